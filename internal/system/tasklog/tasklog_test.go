package tasklog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/highclaw/clawdesk/internal/gateway/client"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordOperation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	s.Record(ctx, client.Operation{
		Action:       "sessions.patch",
		ConnectionID: "home",
		SessionKey:   "agent:main:main",
		Detail:       "Weekly planning",
		Status:       "ok",
		StartedAt:    start,
		Duration:     1500 * time.Millisecond,
	})

	recs, total, err := s.Query(ctx, QueryParams{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	rec := recs[0]
	assert.Equal(t, "sessions.patch", rec.Action)
	assert.Equal(t, "home", rec.ConnectionID)
	assert.Equal(t, "agent:main:main", rec.SessionKey)
	assert.EqualValues(t, 1500, rec.DurationMs)
	assert.Equal(t, start.Format(time.RFC3339Nano), rec.CreatedAt)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, *got)

	missing, err := s.Get(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestQueryFiltersAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ops := []client.Operation{
		{Action: "connect", ConnectionID: "home", Detail: "home", Status: "ok"},
		{Action: "chat.history", ConnectionID: "home", SessionKey: "s1", Detail: "12 messages", Status: "ok"},
		{Action: "send", ConnectionID: "lab", SessionKey: "s2", Status: "error", Error: "connection lab is not connected"},
		{Action: "connect", ConnectionID: "lab", Detail: "lab", Status: "error", Error: "failed to connect to lab: dial refused"},
	}
	for i, op := range ops {
		op.StartedAt = base.Add(time.Duration(i) * time.Minute)
		s.Record(ctx, op)
	}

	recs, total, err := s.Query(ctx, QueryParams{ConnectionID: "lab"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "connect", recs[0].Action, "newest first")

	_, total, err = s.Query(ctx, QueryParams{Status: "error", Action: "send"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	recs, _, err = s.Query(ctx, QueryParams{Search: "refused"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "lab", recs[0].ConnectionID)

	recs, _, err = s.Query(ctx, QueryParams{Ascending: true, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "chat.history", recs[0].Action)

	_, total, err = s.Query(ctx, QueryParams{Since: base.Add(2 * time.Minute).Format(time.RFC3339Nano)})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestStatsAndCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -200)
	s.Record(ctx, client.Operation{Action: "connect", ConnectionID: "a", Status: "ok", StartedAt: old, Duration: 10 * time.Millisecond})
	for i := 0; i < 3; i++ {
		s.Record(ctx, client.Operation{Action: "send", ConnectionID: "b", Status: "ok", StartedAt: time.Now(), Duration: 30 * time.Millisecond})
	}

	st, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.TotalRecords)
	assert.Equal(t, 3, st.ByAction["send"])
	assert.Equal(t, 1, st.ByConnection["a"])
	assert.InDelta(t, 25.0, st.AvgDurationMs, 0.01)

	n, err := s.Cleanup(ctx, 90, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.Cleanup(ctx, 0, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	cnt, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cnt)
}

func TestStoreAsManagerRecorder(t *testing.T) {
	s := newTestStore(t)
	m := client.NewManager(client.Options{Recorder: s})
	defer m.Close()

	_, err := m.ListSessions(context.Background(), "nowhere")
	var notConnected *client.NotConnectedError
	require.True(t, errors.As(err, &notConnected))

	recs, _, err := s.Query(context.Background(), QueryParams{Action: "sessions.list"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "error", recs[0].Status)
	assert.Equal(t, "nowhere", recs[0].ConnectionID)
}
