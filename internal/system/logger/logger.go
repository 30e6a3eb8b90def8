// Package logger 提供文件级日志管理，支持日志轮转、多级别输出和 stderr 双写。
// 日志文件存储在 ~/.clawdesk/logs/ 目录，按日期自动轮转，
// 网关连接出问题时可以直接翻原始日志排查。
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const filePrefix = "clawdesk-"

// Config 日志管理器配置
type Config struct {
	Dir           string     // 日志目录，默认 ~/.clawdesk/logs
	Level         slog.Level // 最低日志级别
	MaxAgeDays    int        // 日志保留天数，0 不清理
	MaxSizeMB     int        // 单文件最大 MB，超过轮转
	StderrEnabled bool       // 是否双写到 stderr
}

// Manager 管理日志文件生命周期
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	file    *os.File
	curDate string
	now     func() time.Time
}

// DefaultConfig 返回默认日志配置
func DefaultConfig() Config {
	return Config{
		Dir:        DefaultDir(),
		Level:      slog.LevelInfo,
		MaxAgeDays: 7,
		MaxSizeMB:  50,
	}
}

// DefaultDir 返回默认日志目录
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".clawdesk", "logs")
	}
	return filepath.Join(home, ".clawdesk", "logs")
}

// ParseLevel 把配置里的级别字符串转换为 slog.Level，无法识别时回退到 info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New 创建日志管理器并初始化日志文件
func New(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir()
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 50
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	m := &Manager{cfg: cfg, now: time.Now}
	if err := m.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewSlogHandler 创建写入日志文件的 slog.Handler，敏感字段会被脱敏
func (m *Manager) NewSlogHandler() slog.Handler {
	return slog.NewTextHandler(m, &slog.HandlerOptions{
		Level:       m.cfg.Level,
		ReplaceAttr: redactAttr,
	})
}

// NewLogger 返回基于文件的 slog.Logger
func (m *Manager) NewLogger() *slog.Logger {
	return slog.New(m.NewSlogHandler())
}

// sensitiveKeys 中的属性值永远不落盘
var sensitiveKeys = map[string]bool{
	"token":         true,
	"password":      true,
	"apikey":        true,
	"signature":     true,
	"authorization": true,
}

// IsSensitiveKey 判断属性名是否需要脱敏
func IsSensitiveKey(key string) bool {
	return sensitiveKeys[strings.ToLower(key)]
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if IsSensitiveKey(a.Key) && a.Value.String() != "" {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

// Write 实现 io.Writer，按日期轮转，可选 stderr 双写
func (m *Manager) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_ = m.rotateIfNeededLocked()

	if m.file != nil {
		n, err = m.file.Write(p)
	}

	if m.cfg.StderrEnabled {
		_, _ = os.Stderr.Write(p)
	}

	return n, err
}

// Close 关闭日志文件
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		err := m.file.Close()
		m.file = nil
		return err
	}
	return nil
}

// LogDir 返回日志目录路径
func (m *Manager) LogDir() string {
	return m.cfg.Dir
}

// CurrentLogFile 返回当前日志文件路径
func (m *Manager) CurrentLogFile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		return m.file.Name()
	}
	return logFileName(m.cfg.Dir, m.today())
}

func (m *Manager) today() string {
	return m.now().Format("2006-01-02")
}

func (m *Manager) rotateIfNeeded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateIfNeededLocked()
}

func (m *Manager) rotateIfNeededLocked() error {
	today := m.today()
	limit := int64(m.cfg.MaxSizeMB) * 1024 * 1024

	switch {
	case m.file == nil, m.curDate != today:
	default:
		info, err := m.file.Stat()
		if err != nil || limit <= 0 || info.Size() < limit {
			return nil
		}
	}

	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}

	path := logFileName(m.cfg.Dir, today)
	if limit > 0 {
		if info, err := os.Stat(path); err == nil && info.Size() >= limit {
			for seq := 1; seq < 100; seq++ {
				candidate := filepath.Join(m.cfg.Dir, fmt.Sprintf("%s%s.%d.log", filePrefix, today, seq))
				info, err := os.Stat(candidate)
				if os.IsNotExist(err) || (err == nil && info.Size() < limit) {
					path = candidate
					break
				}
			}
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	m.file = f
	m.curDate = today
	return nil
}

// Cleanup 清理过期日志文件
func (m *Manager) Cleanup() (int, error) {
	return CleanupDir(m.cfg.Dir, m.cfg.MaxAgeDays)
}

// CleanupDir 删除 dir 中超过 maxAgeDays 天的日志文件
func CleanupDir(dir string, maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	files, err := ListLogFiles(dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	removed := 0
	for _, f := range files {
		if f.ModTime.Before(cutoff) {
			if err := os.Remove(f.Path); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// LogFileInfo 描述单个日志文件
type LogFileInfo struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// ListLogFiles 列出所有日志文件，按时间倒序
func ListLogFiles(dir string) ([]LogFileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []LogFileInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), filePrefix) || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, LogFileInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})
	return files, nil
}

// LatestLogFile 返回最近写入的日志文件路径
func LatestLogFile(dir string) (string, error) {
	files, err := ListLogFiles(dir)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no log files in %s", dir)
	}
	return files[0].Path, nil
}

// TotalSize 返回日志目录总大小（字节）
func TotalSize(dir string) (int64, error) {
	files, err := ListLogFiles(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total, nil
}

// TailFile 读取日志文件最后 n 行
func TailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 200
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	result := lines[:0]
	for _, line := range lines {
		if line != "" {
			result = append(result, line)
		}
	}
	return result, nil
}

// QueryFile 在日志文件中搜索匹配行（不区分大小写）
func QueryFile(path, pattern string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(pattern)
	var matches []string
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" && strings.Contains(strings.ToLower(line), q) {
			matches = append(matches, line)
		}
	}
	return matches, nil
}

// FollowFile 追踪日志文件新内容直到 ctx 结束
func FollowFile(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	buf := make([]byte, 4096)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			_, _ = w.Write(buf[:n])
		}
		if readErr != nil && readErr != io.EOF {
			return readErr
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func logFileName(dir, date string) string {
	return filepath.Join(dir, fmt.Sprintf("%s%s.log", filePrefix, date))
}
