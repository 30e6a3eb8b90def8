package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s, err := Open(DefaultPath(t.TempDir()))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "theme", "dark"))
	require.NoError(t, s.Set(ctx, "window", map[string]int{"w": 1200, "h": 800}))

	var theme string
	require.NoError(t, s.Get(ctx, "theme", &theme))
	assert.Equal(t, "dark", theme)

	require.NoError(t, s.Set(ctx, "theme", "light"))
	require.NoError(t, s.Get(ctx, "theme", &theme))
	assert.Equal(t, "light", theme)

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.JSONEq(t, `{"w":1200,"h":800}`, string(all["window"]))

	require.NoError(t, s.Delete(ctx, "theme"))
	require.NoError(t, s.Delete(ctx, "theme"))
	assert.ErrorIs(t, s.Get(ctx, "theme", &theme), ErrNotFound)
}

func TestPersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "lastConnection", "home"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	var v string
	require.NoError(t, s.Get(ctx, "lastConnection", &v))
	assert.Equal(t, "home", v)
}

func TestGetDecodeError(t *testing.T) {
	ctx := context.Background()
	s, err := Open(DefaultPath(t.TempDir()))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "n", "not a number"))
	var n int
	assert.Error(t, s.Get(ctx, "n", &n))
}
