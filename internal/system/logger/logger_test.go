package logger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseLevel 测试级别字符串解析
func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

// TestManagerWritesAndRedacts 测试写入日志文件并脱敏 token
func TestManagerWritesAndRedacts(t *testing.T) {
	dir := t.TempDir()
	m, err := New(Config{Dir: dir, Level: slog.LevelInfo})
	require.NoError(t, err)
	defer m.Close()

	log := m.NewLogger()
	log.Info("connecting", "url", "ws://gw:1", "token", "s3cret")
	log.Debug("hidden")

	lines, err := TailFile(m.CurrentLogFile(), 10)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "token=[redacted]")
	assert.NotContains(t, lines[0], "s3cret")
	assert.True(t, strings.HasPrefix(filepath.Base(m.CurrentLogFile()), "clawdesk-"))
}

// TestRotateOnDateChange 测试跨天轮转
func TestRotateOnDateChange(t *testing.T) {
	dir := t.TempDir()
	m, err := New(Config{Dir: dir})
	require.NoError(t, err)
	defer m.Close()

	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.Local)
	m.now = func() time.Time { return day }
	_, err = m.Write([]byte("first\n"))
	require.NoError(t, err)

	day = day.Add(2 * time.Minute)
	_, err = m.Write([]byte("second\n"))
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "clawdesk-2026-03-01.log"))
	assert.FileExists(t, filepath.Join(dir, "clawdesk-2026-03-02.log"))
}

// TestTailAndQuery 测试读取末尾行与关键字搜索
func TestTailAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawdesk-2026-01-01.log")
	var buf bytes.Buffer
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&buf, "line %d level=%s\n", i, map[bool]string{true: "WARN", false: "INFO"}[i%2 == 0])
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	tail, err := TailFile(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"line 4 level=WARN", "line 5 level=INFO"}, tail)

	hits, err := QueryFile(path, "warn")
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

// TestListAndCleanup 测试列出与清理过期日志
func TestListAndCleanup(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "clawdesk-2020-01-01.log")
	fresh := filepath.Join(dir, "clawdesk-2026-01-01.log")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("yy"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("z"), 0o644))
	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, past, past))

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, fresh, files[0].Path)

	size, err := TotalSize(dir)
	require.NoError(t, err)
	assert.EqualValues(t, 3, size)

	removed, err := CleanupDir(dir, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, old)
}

// TestFollowFile 测试追踪新写入内容
func TestFollowFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawdesk-follow.log")
	require.NoError(t, os.WriteFile(path, []byte("before\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- FollowFile(ctx, path, out) }()

	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, _ = f.WriteString("after\n")
	require.NoError(t, f.Close())

	assert.Eventually(t, func() bool { return strings.Contains(out.String(), "after") }, 3*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.NotContains(t, out.String(), "before")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
