package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	t.Setenv("CLAWDESK_GATEWAY_URL", "")
	t.Setenv("CLAWDESK_GATEWAY_TOKEN", "")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Connections)
	assert.Equal(t, "webchat", cfg.Client.ID)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Auth)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.SessionsList)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Setenv("CLAWDESK_GATEWAY_URL", "")
	t.Setenv("CLAWDESK_GATEWAY_TOKEN", "")
	path := filepath.Join(t.TempDir(), "clawdesk.yaml")

	cfg := Default()
	cfg.UpsertConnection(ConnectionSpec{Name: "home", Endpoint: "gw.local:18789", Token: "s3cret"})
	cfg.Timeouts.History = 30 * time.Second
	require.NoError(t, SaveFile(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := LoadFile(path)
	require.NoError(t, err)
	conn, ok := got.FindConnection("HOME")
	require.True(t, ok)
	assert.Equal(t, "gw.local:18789", conn.Endpoint)
	assert.Equal(t, "s3cret", conn.Token)
	assert.Equal(t, 30*time.Second, got.Timeouts.History)
}

func TestLoadFileParsesYAML(t *testing.T) {
	t.Setenv("CLAWDESK_GATEWAY_URL", "")
	t.Setenv("CLAWDESK_GATEWAY_TOKEN", "")
	path := filepath.Join(t.TempDir(), "clawdesk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
connections:
  - name: office
    endpoint: https://gw.example.com
    protocol: websocket
  - name: tunnel
    protocol: reverse
timeouts:
  auth: 3s
bridge:
  addr: 127.0.0.1:9999
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Connections, 2)
	assert.Equal(t, "reverse", cfg.Connections[1].Protocol)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Auth)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.History)
	assert.Equal(t, "127.0.0.1:9999", cfg.Bridge.Addr)
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"duplicate": "connections:\n  - {name: a, endpoint: x}\n  - {name: A, endpoint: y}\n",
		"no name":   "connections:\n  - {endpoint: x}\n",
		"no url":    "connections:\n  - {name: a}\n",
		"protocol":  "connections:\n  - {name: a, endpoint: x, protocol: carrier-pigeon}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadFile(path)
			assert.Error(t, err)
		})
	}
}

func TestEnvOverridesDefineDefaultConnection(t *testing.T) {
	t.Setenv("CLAWDESK_GATEWAY_URL", "ws://127.0.0.1:18789")
	t.Setenv("CLAWDESK_GATEWAY_TOKEN", "tok")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	conn, ok := cfg.FindConnection("default")
	require.True(t, ok)
	assert.Equal(t, "ws://127.0.0.1:18789", conn.Endpoint)
	assert.Equal(t, "tok", conn.Token)
}

func TestUpsertAndRemoveConnection(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.UpsertConnection(ConnectionSpec{Name: "a", Endpoint: "one"}))
	created := cfg.Connections[0].CreatedAt
	assert.True(t, cfg.UpsertConnection(ConnectionSpec{Name: " A ", Endpoint: "two"}))
	require.Len(t, cfg.Connections, 1)
	assert.Equal(t, "two", cfg.Connections[0].Endpoint)
	assert.Equal(t, created, cfg.Connections[0].CreatedAt)

	assert.True(t, cfg.RemoveConnection("a"))
	assert.False(t, cfg.RemoveConnection("a"))
	assert.Empty(t, cfg.Connections)
}

func TestCacheUpdateOptimisticLock(t *testing.T) {
	t.Setenv("CLAWDESK_GATEWAY_URL", "")
	t.Setenv("CLAWDESK_GATEWAY_TOKEN", "")
	path := filepath.Join(t.TempDir(), "clawdesk.yaml")
	cache := NewCache(path, Default(), time.Hour)
	base := cache.Hash()
	require.NotEmpty(t, base)

	_, err := cache.Update(base, func(c *Config) error {
		c.UpsertConnection(ConnectionSpec{Name: "lab", Endpoint: "lab:1"})
		return nil
	})
	require.NoError(t, err)
	assert.NotEqual(t, base, cache.Hash())

	_, err = cache.Update(base, func(*Config) error { return nil })
	assert.ErrorIs(t, err, ErrStale)

	cache.Invalidate()
	_, ok := cache.Get().FindConnection("lab")
	assert.True(t, ok)
}
