package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		token    string
		want     string
	}{
		{"localhost:18789", "", "ws://localhost:18789"},
		{"localhost:18789", "tok", "ws://localhost:18789?token=tok"},
		{"http://gw.example.com/ws", "", "ws://gw.example.com/ws"},
		{"https://gw.example.com", "tok", "wss://gw.example.com?token=tok"},
		{"wss://gw.example.com/?token=keep", "other", "wss://gw.example.com/?token=keep"},
		{"  WS://10.0.0.2:18789  ", "", "ws://10.0.0.2:18789"},
	}
	for _, tc := range tests {
		got, err := NormalizeEndpoint(tc.endpoint, tc.token)
		require.NoError(t, err, tc.endpoint)
		assert.Equal(t, tc.want, got, tc.endpoint)
	}

	for _, bad := range []string{"", "   ", "ftp://example.com", "ws://"} {
		_, err := NormalizeEndpoint(bad, "")
		assert.Error(t, err, bad)
	}
}

func TestRedactURL(t *testing.T) {
	got := RedactURL("ws://gw.local:18789/?token=s3cret")
	assert.NotContains(t, got, "s3cret")
	assert.Contains(t, got, "REDACTED")
	assert.Equal(t, "ws://gw.local:18789", RedactURL("ws://gw.local:18789"))

	err := &Error{Op: "dial", URL: "ws://gw.local/?token=s3cret", Err: errors.New("refused")}
	assert.NotContains(t, err.Error(), "s3cret")
}

type recorder struct {
	messages chan string
	closed   chan [2]any
	errs     chan error
}

func newRecorder() *recorder {
	return &recorder{
		messages: make(chan string, 16),
		closed:   make(chan [2]any, 1),
		errs:     make(chan error, 4),
	}
}

func (r *recorder) handler() Handler {
	return Handler{
		OnMessage: func(data []byte) { r.messages <- string(data) },
		OnError:   func(err error) { r.errs <- err },
		OnClose:   func(code int, reason string) { r.closed <- [2]any{code, reason} },
	}
}

func (r *recorder) waitClose(t *testing.T) (int, string) {
	t.Helper()
	select {
	case c := <-r.closed:
		return c[0].(int), c[1].(string)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
	return 0, ""
}

func wsServer(t *testing.T, fn func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialEchoAndLocalClose(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	conn, err := NewWebSocketDialer(nil).Dial(context.Background(), url, rec.handler())
	require.NoError(t, err)
	require.True(t, conn.IsOpen())

	require.NoError(t, conn.Send([]byte(`{"type":"req","id":"a"}`)))
	select {
	case got := <-rec.messages:
		assert.JSONEq(t, `{"type":"req","id":"a"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}

	require.NoError(t, conn.Close())
	code, _ := rec.waitClose(t)
	assert.Equal(t, CloseNormal, code)
	assert.False(t, conn.IsOpen())
	assert.ErrorIs(t, conn.Send([]byte("late")), ErrNotOpen)
}

func TestServerPolicyClose(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})

	rec := newRecorder()
	_, err := NewWebSocketDialer(nil).Dial(context.Background(), url, rec.handler())
	require.NoError(t, err)

	code, reason := rec.waitClose(t)
	assert.Equal(t, ClosePolicyViolation, code)
	assert.Equal(t, "invalid token", reason)
}

func TestAbruptDropReportsAbnormal(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		_ = conn.UnderlyingConn().Close()
	})

	rec := newRecorder()
	_, err := NewWebSocketDialer(nil).Dial(context.Background(), url, rec.handler())
	require.NoError(t, err)

	code, _ := rec.waitClose(t)
	assert.Equal(t, CloseAbnormal, code)
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := NewWebSocketDialer(nil).Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/?token=s3cret", Handler{})
	require.Error(t, err)

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "dial", te.Op)
	assert.Contains(t, te.Status, "404")
	assert.NotContains(t, err.Error(), "s3cret")
}
