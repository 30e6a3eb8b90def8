package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/highclaw/clawdesk/internal/app"
	"github.com/highclaw/clawdesk/internal/config"
	"github.com/highclaw/clawdesk/internal/gateway/client"
	"github.com/highclaw/clawdesk/internal/gateway/gatewaytest"
	"github.com/highclaw/clawdesk/internal/gateway/protocol"
	"github.com/highclaw/clawdesk/internal/gateway/rpc"
	"github.com/highclaw/clawdesk/internal/gateway/session"
	"github.com/highclaw/clawdesk/internal/templates"
)

type fixture struct {
	server  *Server
	app     *app.App
	cfgPath string
}

func newFixture(t *testing.T, gw *gatewaytest.Server, token string) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Timeouts.Auth = 2 * time.Second
	cfg.Timeouts.SessionsList = time.Second
	cfg.Timeouts.History = time.Second
	cfg.Timeouts.Mutation = time.Second
	cfg.UpsertConnection(config.ConnectionSpec{Name: "home", Endpoint: gw.URL, Token: "secret"})

	cfgPath := filepath.Join(dir, "clawdesk.yaml")
	require.NoError(t, config.SaveFile(cfgPath, cfg))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(app.Options{Config: cfg, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	s := NewServer(Options{
		App:       a,
		Config:    config.NewCache(cfgPath, cfg, time.Minute),
		Logger:    logger,
		LogBuffer: NewLogBuffer(50),
		Token:     token,
		Version:   "test",
		Release:   true,
	})
	t.Cleanup(s.stream.close)
	return &fixture{server: s, app: a, cfgPath: cfgPath}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func (f *fixture) connect(t *testing.T) string {
	t.Helper()
	w, body := f.do(t, http.MethodPost, "/api/connections", map[string]any{"name": "home"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	conn := body["connection"].(map[string]any)
	assert.Equal(t, string(client.StatusConnected), conn["status"])
	return conn["id"].(string)
}

func okReply(json.RawMessage) gatewaytest.Reply {
	return gatewaytest.Reply{Payload: map[string]any{"ok": true}}
}

func TestHealth(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	f := newFixture(t, gw, "")

	w, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestBearerToken(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	f := newFixture(t, gw, "bridge-token")

	w, _ := f.do(t, http.MethodGet, "/api/profiles", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	req.Header.Set("Authorization", "Bearer bridge-token")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	w, _ = f.do(t, http.MethodGet, "/api/profiles?access_token=bridge-token", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthFailuresAreLimited(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	f := newFixture(t, gw, "bridge-token")

	for i := 0; i < maxAuthFailures; i++ {
		w, _ := f.do(t, http.MethodGet, "/api/profiles?access_token=wrong", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w, _ := f.do(t, http.MethodGet, "/api/profiles?access_token=bridge-token", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestFailureLimiterWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newFailureLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	l.fail("a")
	assert.False(t, l.blocked("a"))
	l.fail("a")
	assert.True(t, l.blocked("a"))
	assert.False(t, l.blocked("b"))

	now = now.Add(61 * time.Second)
	assert.False(t, l.blocked("a"))
	assert.Empty(t, l.hits)
}

func TestSessionRoutes(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{Token: "secret"})
	gw.Handle(protocol.MethodSessionsList, func(json.RawMessage) gatewaytest.Reply {
		return gatewaytest.Reply{Payload: map[string]any{"sessions": []map[string]any{
			{"key": "agent:main:main"},
			{"key": "agent:main:telegram:group:42"},
		}}}
	})
	gw.Handle(protocol.MethodChatHistory, func(json.RawMessage) gatewaytest.Reply {
		return gatewaytest.Reply{Payload: map[string]any{"messages": []map[string]any{
			{"role": "user", "content": "hello there", "timestamp": 1700000000000},
		}}}
	})
	gw.Handle(protocol.MethodSessionsPatch, okReply)
	gw.Handle(protocol.MethodSessionsDelete, okReply)
	f := newFixture(t, gw, "")

	connID := f.connect(t)
	base := "/api/connections/" + connID + "/sessions"

	w, body := f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, body["sessions"], 2)

	main, ok := f.app.Sessions.Lookup(connID, "agent:main:main")
	require.True(t, ok)

	w, body = f.do(t, http.MethodGet, base+"/"+main.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, body["messages"], 1)

	w, body = f.do(t, http.MethodPost, base+"/"+main.ID+"/suggestions", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, body["suggestions"])
	assert.NotEmpty(t, body["quickReplies"])

	w, _ = f.do(t, http.MethodPost, base+"/"+main.ID+"/messages", map[string]any{"content": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = f.do(t, http.MethodPost, base+"/"+main.ID+"/messages", map[string]any{"content": "hi"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "agent:main:main", body["message"].(map[string]any)["sessionKey"])
	assert.Len(t, gw.WaitFrames(protocol.EventMessageSend, 1, time.Second), 1)

	w, body = f.do(t, http.MethodPatch, base+"/"+main.ID, map[string]any{"name": "Daily"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Daily", body["session"].(map[string]any)["name"])

	group, _ := f.app.Sessions.Lookup(connID, "agent:main:telegram:group:42")
	w, _ = f.do(t, http.MethodDelete, base+"/"+group.ID+"?transcript=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, ok = f.app.Sessions.Lookup(connID, "agent:main:telegram:group:42")
	assert.False(t, ok)

	w, _ = f.do(t, http.MethodGet, base+"/no-such-id/messages", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGatewayRejectionIsBadGateway(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	gw.Handle(protocol.MethodSessionsList, func(json.RawMessage) gatewaytest.Reply {
		return gatewaytest.Reply{Err: &protocol.Error{Code: "forbidden", Message: "missing scope"}}
	})
	f := newFixture(t, gw, "")
	connID := f.connect(t)

	w, body := f.do(t, http.MethodGet, "/api/connections/"+connID+"/sessions", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "missing scope", body["error"])
	assert.Equal(t, "forbidden", body["code"])
}

func TestNotConnected(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	f := newFixture(t, gw, "")

	w, _ := f.do(t, http.MethodGet, "/api/connections/nope-1/sessions", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = f.do(t, http.MethodDelete, "/api/connections/nope-1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/connections", map[string]any{"name": "office"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConnectionsListAndDisconnect(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	f := newFixture(t, gw, "")

	w, body := f.do(t, http.MethodGet, "/api/connections", nil)
	require.Equal(t, http.StatusOK, w.Code)
	conns := body["connections"].([]any)
	require.Len(t, conns, 1)
	assert.Equal(t, "disconnected", conns[0].(map[string]any)["status"])
	assert.Equal(t, true, conns[0].(map[string]any)["saved"])

	connID := f.connect(t)
	w, body = f.do(t, http.MethodGet, "/api/connections", nil)
	require.Equal(t, http.StatusOK, w.Code)
	conns = body["connections"].([]any)
	require.Len(t, conns, 1)
	assert.Equal(t, connID, conns[0].(map[string]any)["id"])
	assert.Equal(t, "connected", conns[0].(map[string]any)["status"])

	w, _ = f.do(t, http.MethodDelete, "/api/connections/"+connID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, ok := f.app.Manager.Get(connID)
	assert.False(t, ok)

	w, body = f.do(t, http.MethodGet, "/api/connections", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "disconnected", body["connections"].([]any)[0].(map[string]any)["status"])
}

func TestConnectAndSave(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	f := newFixture(t, gw, "")

	w, body := f.do(t, http.MethodPost, "/api/connections", map[string]any{
		"name":     "lab",
		"endpoint": gw.URL,
		"token":    "lab-token",
		"save":     true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id := body["connection"].(map[string]any)["id"].(string)
	assert.True(t, strings.HasPrefix(id, "lab-"))

	saved, err := config.LoadFile(f.cfgPath)
	require.NoError(t, err)
	spec, ok := saved.FindConnection("lab")
	require.True(t, ok)
	assert.Equal(t, "lab-token", spec.Token)
	assert.Equal(t, id, app.ClientConfig(spec).ConnectionID())

	w, body = f.do(t, http.MethodGet, "/api/profiles", nil)
	require.Equal(t, http.StatusOK, w.Code)
	raw, _ := json.Marshal(body)
	assert.NotContains(t, string(raw), "lab-token")
	assert.NotContains(t, string(raw), "secret")
	assert.Len(t, body["profiles"], 2)
}

func TestTemplateRoutes(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	f := newFixture(t, gw, "")

	w, body := f.do(t, http.MethodGet, "/api/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["templates"], len(templates.Defaults(time.Now())))

	w, body = f.do(t, http.MethodPost, "/api/templates", map[string]any{
		"name":     "greet",
		"content":  "Hi {{name}}",
		"category": "custom",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id := body["template"].(map[string]any)["id"].(string)
	assert.Equal(t, []any{"name"}, body["variables"])

	w, body = f.do(t, http.MethodPost, "/api/templates/"+id+"/apply", map[string]any{"vars": map[string]string{"name": "Ada"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hi Ada", body["content"])

	w, body = f.do(t, http.MethodGet, "/api/templates?category=custom", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["templates"], 1)

	w, _ = f.do(t, http.MethodDelete, "/api/templates/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodDelete, "/api/templates/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/templates", map[string]any{"name": "empty"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettingRoutes(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	f := newFixture(t, gw, "")

	w, _ := f.do(t, http.MethodGet, "/api/settings/theme", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodPut, "/api/settings/theme", map[string]any{"mode": "dark"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, body := f.do(t, http.MethodGet, "/api/settings/theme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"mode": "dark"}, body["value"])
}

func TestTasksRoute(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	f := newFixture(t, gw, "")
	f.connect(t)

	w, body := f.do(t, http.MethodGet, "/api/tasks?action=connect", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), body["total"])
}

func TestEventStream(t *testing.T) {
	gw := gatewaytest.New(t, gatewaytest.Options{})
	f := newFixture(t, gw, "")
	connID := f.connect(t)

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?connection="+connID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	names := make(chan string, 16)
	data := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				names <- strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data <- strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
		close(names)
	}()

	waitFor := func(want string) string {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case name, ok := <-names:
				require.True(t, ok, "stream ended before %s", want)
				payload := <-data
				if name == want {
					return payload
				}
			case <-deadline:
				t.Fatalf("no %s event", want)
			}
		}
	}

	waitFor("ready")
	require.Eventually(t, func() bool { return f.server.stream.count() == 1 }, time.Second, 10*time.Millisecond)

	gw.Broadcast(protocol.EventMessage, map[string]any{
		"sessionKey": "agent:main:main",
		"content":    "pushed",
		"role":       "assistant",
	})
	payload := waitFor(client.EventMessage)

	var view EventView
	require.NoError(t, json.Unmarshal([]byte(payload), &view))
	assert.Equal(t, connID, view.ConnectionID)
	assert.Contains(t, payload, `"content":"pushed"`)
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&client.NotConnectedError{ConnectionID: "x"}, http.StatusConflict},
		{fmt.Errorf("resolve: %w", session.ErrUnknownSession), http.StatusNotFound},
		{templates.ErrNotFound, http.StatusNotFound},
		{client.ErrEmptyMessage, http.StatusBadRequest},
		{&rpc.TimeoutError{Method: "sessions.list", After: time.Second}, http.StatusGatewayTimeout},
		{&protocol.ServerError{Message: "nope"}, http.StatusBadGateway},
		{&client.ConnectError{Name: "home", Err: errors.New("refused")}, http.StatusBadGateway},
		{config.ErrStale, http.StatusPreconditionFailed},
		{os.ErrPermission, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusOf(tc.err), tc.err.Error())
	}
}

func TestLogBufferTail(t *testing.T) {
	buf := NewLogBuffer(3)
	logger := slog.New(NewLogBufferHandler(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}), buf))

	logger.Debug("one")
	logger.Info("two", "token", "abc")
	logger.Warn("three")
	logger.Error("four")

	all := buf.Entries()
	require.Len(t, all, 3)
	assert.Equal(t, "two", all[0].Message)
	assert.Equal(t, "[redacted]", all[0].Attrs["token"])

	warn := buf.Tail(10, slog.LevelWarn)
	require.Len(t, warn, 2)
	assert.Equal(t, "three", warn[0].Message)
	assert.Equal(t, "four", buf.Tail(1, slog.LevelDebug)[0].Message)
}

func TestLoopbackOrigin(t *testing.T) {
	assert.True(t, isLoopbackOrigin("http://localhost:5173"))
	assert.True(t, isLoopbackOrigin("http://127.0.0.1:3000"))
	assert.True(t, isLoopbackOrigin("http://[::1]:8080"))
	assert.True(t, isLoopbackOrigin("file://"))
	assert.False(t, isLoopbackOrigin("https://example.com"))
}
