package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/highclaw/clawdesk/internal/config"
	"github.com/highclaw/clawdesk/internal/gateway/gatewaytest"
	"github.com/highclaw/clawdesk/internal/gateway/protocol"
	"github.com/highclaw/clawdesk/internal/gateway/session"
	"github.com/highclaw/clawdesk/internal/system/tasklog"
)

func newTestApp(t *testing.T, srv *gatewaytest.Server) *App {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Timeouts.Auth = 2 * time.Second
	cfg.Timeouts.SessionsList = time.Second
	cfg.Timeouts.History = time.Second
	cfg.Timeouts.Mutation = time.Second
	cfg.UpsertConnection(config.ConnectionSpec{Name: "home", Endpoint: srv.URL, Token: "secret"})

	a, err := New(Options{Config: cfg, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func sessionsReply(keys ...string) gatewaytest.HandlerFunc {
	return func(json.RawMessage) gatewaytest.Reply {
		list := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			list = append(list, map[string]any{"key": k})
		}
		return gatewaytest.Reply{Payload: map[string]any{"sessions": list}}
	}
}

func TestConnectUnknownName(t *testing.T) {
	srv := gatewaytest.New(t, gatewaytest.Options{})
	a := newTestApp(t, srv)

	_, err := a.Connect(context.Background(), "office")
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestSessionLifecycle(t *testing.T) {
	srv := gatewaytest.New(t, gatewaytest.Options{Token: "secret"})
	srv.Handle(protocol.MethodSessionsList, sessionsReply("agent:main:main", "agent:main:telegram:group:42"))
	srv.Handle(protocol.MethodChatHistory, func(json.RawMessage) gatewaytest.Reply {
		return gatewaytest.Reply{Payload: map[string]any{"messages": []map[string]any{
			{"role": "user", "content": "ping", "timestamp": 1700000000000},
			{"role": "assistant", "content": "pong", "timestamp": 1700000001000},
		}}}
	})
	srv.Handle(protocol.MethodSessionsPatch, func(json.RawMessage) gatewaytest.Reply {
		return gatewaytest.Reply{Payload: map[string]any{"ok": true}}
	})
	srv.Handle(protocol.MethodSessionsDelete, func(json.RawMessage) gatewaytest.Reply {
		return gatewaytest.Reply{Payload: map[string]any{"ok": true}}
	})
	a := newTestApp(t, srv)
	ctx := context.Background()

	conn, err := a.Connect(ctx, "home")
	require.NoError(t, err)
	connID, err := a.ConnectionID("HOME")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, connID)

	sessions, err := a.RefreshSessions(ctx, connID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	main, ok := a.Sessions.Lookup(connID, "agent:main:main")
	require.True(t, ok)

	sess, msgs, err := a.History(ctx, connID, main.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "pong", sess.LastMessage)

	renamed, err := a.Rename(ctx, connID, main.ID, "  Daily  ")
	require.NoError(t, err)
	assert.Equal(t, "Daily", renamed.Name)
	assert.Equal(t, main.ID, renamed.ID)

	require.NoError(t, a.Delete(ctx, connID, "agent:main:telegram:group:42", true))
	assert.Len(t, a.Sessions.List(connID), 1)

	_, err = a.Send(ctx, connID, "nope", "hi")
	assert.ErrorIs(t, err, session.ErrUnknownSession)

	msg, err := a.Send(ctx, connID, main.ID, "hello")
	require.NoError(t, err)
	frames := srv.WaitFrames(protocol.EventMessageSend, 1, time.Second)
	require.Len(t, frames, 1)
	assert.Contains(t, string(frames[0].Payload), msg.ID)
}

func TestRenameRejectedKeepsLocalName(t *testing.T) {
	srv := gatewaytest.New(t, gatewaytest.Options{})
	srv.Handle(protocol.MethodSessionsList, sessionsReply("agent:main:main"))
	srv.Handle(protocol.MethodSessionsPatch, func(json.RawMessage) gatewaytest.Reply {
		return gatewaytest.Reply{Err: &protocol.Error{Code: "forbidden", Message: "label locked"}}
	})
	a := newTestApp(t, srv)
	ctx := context.Background()

	conn, err := a.Connect(ctx, "home")
	require.NoError(t, err)
	_, err = a.RefreshSessions(ctx, conn.ID)
	require.NoError(t, err)
	before, _ := a.Sessions.Lookup(conn.ID, "agent:main:main")

	_, err = a.Rename(ctx, conn.ID, before.ID, "New")
	require.Error(t, err)
	after, _ := a.Sessions.Lookup(conn.ID, "agent:main:main")
	assert.Equal(t, before.Name, after.Name)
}

func TestIncomingMessageTouchesRegistry(t *testing.T) {
	srv := gatewaytest.New(t, gatewaytest.Options{})
	a := newTestApp(t, srv)
	conn, err := a.Connect(context.Background(), "home")
	require.NoError(t, err)

	srv.Broadcast(protocol.EventMessage, map[string]any{
		"sessionKey": "agent:main:main",
		"content":    "new reply",
		"role":       "assistant",
	})
	assert.Eventually(t, func() bool {
		s, ok := a.Sessions.Lookup(conn.ID, "agent:main:main")
		return ok && s.UnreadCount == 1 && s.LastMessage == "new reply"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestOperationsAreAudited(t *testing.T) {
	srv := gatewaytest.New(t, gatewaytest.Options{})
	a := newTestApp(t, srv)
	_, err := a.Connect(context.Background(), "home")
	require.NoError(t, err)

	recs, _, err := a.Tasks.Query(context.Background(), tasklog.QueryParams{Action: "connect"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].Status)
}

func TestRegistryPersistsAcrossRestart(t *testing.T) {
	srv := gatewaytest.New(t, gatewaytest.Options{})
	srv.Handle(protocol.MethodSessionsList, sessionsReply("agent:main:main"))
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.UpsertConnection(config.ConnectionSpec{Name: "home", Endpoint: srv.URL})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(Options{Config: cfg, Logger: logger, NoTaskLog: true})
	require.NoError(t, err)
	conn, err := a.Connect(context.Background(), "home")
	require.NoError(t, err)
	_, err = a.RefreshSessions(context.Background(), conn.ID)
	require.NoError(t, err)
	first, _ := a.Sessions.Lookup(conn.ID, "agent:main:main")
	require.NoError(t, a.Close())

	b, err := New(Options{Config: cfg, Logger: logger, NoTaskLog: true})
	require.NoError(t, err)
	defer b.Close()
	again, ok := b.Sessions.Lookup(conn.ID, "agent:main:main")
	require.True(t, ok)
	assert.Equal(t, first.ID, again.ID)
	assert.Nil(t, b.Tasks)
}
