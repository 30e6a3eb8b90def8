package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/highclaw/clawdesk/internal/app"
	"github.com/highclaw/clawdesk/internal/config"
	"github.com/highclaw/clawdesk/internal/gateway/auth"
	"github.com/highclaw/clawdesk/internal/gateway/client"
	"github.com/highclaw/clawdesk/internal/gateway/gatewaytest"
	"github.com/highclaw/clawdesk/internal/gateway/protocol"
	"github.com/highclaw/clawdesk/internal/gateway/rpc"
)

// execute runs the command tree with fresh flag values and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// writeConfig saves a config whose data lives in a temp dir and returns its path.
func writeConfig(t *testing.T, endpoint string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	if endpoint != "" {
		cfg.UpsertConnection(config.ConnectionSpec{Name: "home", Endpoint: endpoint, Token: "s3cret"})
	}
	path := filepath.Join(dir, "clawdesk.yaml")
	require.NoError(t, config.SaveFile(path, cfg))
	return path
}

func fakeGateway(t *testing.T) *gatewaytest.Server {
	t.Helper()
	gw := gatewaytest.New(t, gatewaytest.Options{})
	gw.Handle(protocol.MethodSessionsList, func(json.RawMessage) gatewaytest.Reply {
		return gatewaytest.Reply{Payload: map[string]any{"sessions": []map[string]any{
			{"key": "agent:main:main", "updatedAt": 1700000002000},
			{"key": "agent:ops:telegram:group:42", "updatedAt": 1700000001000},
		}}}
	})
	gw.Handle(protocol.MethodChatHistory, func(json.RawMessage) gatewaytest.Reply {
		return gatewaytest.Reply{Payload: map[string]any{"messages": []map[string]any{
			{"role": "user", "content": "ping", "timestamp": 1700000000000},
			{"role": "assistant", "content": "pong", "timestamp": 1700000001000},
		}}}
	})
	gw.Handle(protocol.MethodSessionsPatch, func(json.RawMessage) gatewaytest.Reply {
		return gatewaytest.Reply{Payload: map[string]any{"ok": true}}
	})
	return gw
}

func TestVersion(t *testing.T) {
	SetBuildInfo("1.2.3", "2026-01-01", "abc")
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "clawdesk 1.2.3")
	assert.Contains(t, out, "commit: abc")
}

func TestConnectionsAddListRemove(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "--config", path, "connections", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No connections saved")

	_, err = execute(t, "--config", path, "connections", "add", "--name", "lab", "--endpoint", "ws://127.0.0.1:1", "--token", "hunter2")
	require.NoError(t, err)

	out, err = execute(t, "--config", path, "connections", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "lab")
	assert.Contains(t, out, "token set")
	assert.NotContains(t, out, "hunter2")

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	spec, ok := cfg.FindConnection("lab")
	require.True(t, ok)
	assert.False(t, spec.CreatedAt.IsZero())

	_, err = execute(t, "--config", path, "connections", "add", "--name", "bad", "--protocol", "carrier-pigeon")
	assert.Error(t, err)

	_, err = execute(t, "--config", path, "connections", "remove", "lab")
	require.NoError(t, err)
	_, err = execute(t, "--config", path, "connections", "remove", "lab")
	assert.Error(t, err)
}

func TestConnectionsTest(t *testing.T) {
	gw := fakeGateway(t)
	path := writeConfig(t, gw.URL)

	out, err := execute(t, "--config", path, "connections", "test")
	require.NoError(t, err)
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "home-")
}

func TestSessionCommands(t *testing.T) {
	gw := fakeGateway(t)
	path := writeConfig(t, gw.URL)

	out, err := execute(t, "--config", path, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Sessions (2)")
	assert.Contains(t, out, "agent:main:main")
	assert.Contains(t, out, "ops / telegram:group:42")

	out, err = execute(t, "--config", path, "history", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "assistant: pong")
	assert.Contains(t, out, "user: ping")

	out, err = execute(t, "--config", path, "history", "agent:main:main", "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "pong")
	assert.NotContains(t, out, "ping")

	out, err = execute(t, "--config", path, "send", "-c", "home", "0", "hello", "gateway")
	require.NoError(t, err)
	assert.Contains(t, out, "Sent to agent:main:main")
	frames := gw.WaitFrames(protocol.EventMessageSend, 1, time.Second)
	require.Len(t, frames, 1)
	assert.Contains(t, string(frames[0].Payload), "hello gateway")

	out, err = execute(t, "--config", path, "sessions", "rename", "1", "Ops", "room")
	require.NoError(t, err)
	assert.Contains(t, out, `"Ops room"`)

	_, err = execute(t, "--config", path, "history", "nope")
	assert.Error(t, err)

	out, err = execute(t, "--config", path, "tasks", "list", "--action", "connect")
	require.NoError(t, err)
	assert.Contains(t, out, "connect")
	assert.NotContains(t, out, "No task records")

	out, err = execute(t, "--config", path, "tasks", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "sessions.patch")
}

func TestSendRequiresContent(t *testing.T) {
	path := writeConfig(t, "ws://127.0.0.1:1")
	_, err := execute(t, "--config", path, "send", "0")
	assert.ErrorIs(t, err, client.ErrEmptyMessage)
}

func TestSessionsWithoutConnections(t *testing.T) {
	path := writeConfig(t, "")
	_, err := execute(t, "--config", path, "sessions", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connections add")
}

func TestTemplateCommands(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "--config", path, "templates", "add", "standup", "Morning {{name}}, status?", "--category", "work", "--tags", "daily, team")
	require.NoError(t, err)
	assert.Contains(t, out, "variables: name")

	out, err = execute(t, "--config", path, "templates", "search", "daily")
	require.NoError(t, err)
	assert.Contains(t, out, "standup")

	out, err = execute(t, "--config", path, "templates", "list", "--category", "work")
	require.NoError(t, err)
	assert.Contains(t, out, "Templates (1)")
	var id string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "standup") {
			id = strings.Fields(line)[0]
		}
	}
	require.NotEmpty(t, id)

	out, err = execute(t, "--config", path, "templates", "apply", id, "--var", "name=Ada")
	require.NoError(t, err)
	assert.Contains(t, out, "Morning Ada, status?")

	_, err = execute(t, "--config", path, "templates", "delete", id)
	require.NoError(t, err)
	out, err = execute(t, "--config", path, "templates", "list", "--category", "work")
	require.NoError(t, err)
	assert.Contains(t, out, "No templates found")
}

func TestRequireLoopback(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:18791", "localhost:80", "[::1]:9000"} {
		assert.NoError(t, requireLoopback(addr), addr)
	}
	for _, addr := range []string{"0.0.0.0:18791", "192.168.1.5:80", ":18791", "nonsense"} {
		assert.Error(t, requireLoopback(addr), addr)
	}
}

func TestParseSort(t *testing.T) {
	field, asc := parseSort("+duration_ms")
	assert.Equal(t, "duration_ms", field)
	assert.True(t, asc)

	field, asc = parseSort("-created_at")
	assert.Equal(t, "created_at", field)
	assert.False(t, asc)
}

func TestDescribeAddsHints(t *testing.T) {
	err := &client.ConnectError{Name: "home", Err: &auth.Error{Reason: "bad token=abc"}}
	msg := Describe(err)
	assert.Contains(t, msg, "token=REDACTED")
	assert.NotContains(t, msg, "abc")
	assert.Contains(t, msg, "connections add")

	assert.Contains(t, Describe(&rpc.TimeoutError{Method: "chat.history", After: time.Second}), "timeouts")
	assert.Contains(t, Describe(fmt.Errorf("%w: lab", app.ErrUnknownConnection)), "connections list")
	assert.Equal(t, "boom", Describe(errors.New("boom")))
}
