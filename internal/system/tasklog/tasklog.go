// Package tasklog 提供基于 SQLite 的操作审计日志。
// 记录对网关的每一次操作（连接、会话查询、历史拉取、发送、重命名、删除、上传），
// 包括连接、会话、耗时和错误信息。
// 存储位置: ~/.clawdesk/state/tasks.db，与业务数据完全解耦。
package tasklog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/highclaw/clawdesk/internal/gateway/client"
)

// Config 任务日志配置
type Config struct {
	Dir        string // 数据库目录，默认 ~/.clawdesk/state
	MaxAgeDays int    // 记录保留天数，0 不清理
	MaxRecords int    // 最大记录数，0 不限制
}

// TaskRecord 单条操作记录
type TaskRecord struct {
	ID           int64  `json:"id"`
	Action       string `json:"action"`       // connect / sessions.list / chat.history / send ...
	ConnectionID string `json:"connectionId"` // 连接标识
	SessionKey   string `json:"sessionKey"`   // 会话标识
	Detail       string `json:"detail"`       // 操作详情
	Status       string `json:"status"`       // ok / error
	ErrorMessage string `json:"errorMessage"` // 错误信息（已脱敏）
	DurationMs   int64  `json:"durationMs"`   // 执行耗时（毫秒）
	CreatedAt    string `json:"createdAt"`    // 开始时间
}

// Store 任务日志存储引擎，同时实现 client.Recorder
type Store struct {
	dbPath string
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

var _ client.Recorder = (*Store)(nil)

// DefaultConfig 返回默认任务日志配置
func DefaultConfig() Config {
	return Config{
		Dir:        defaultStateDir(),
		MaxAgeDays: 90,
		MaxRecords: 100000,
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".clawdesk", "state")
	}
	return filepath.Join(home, ".clawdesk", "state")
}

// NewStore 创建任务日志存储
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = defaultStateDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tasklog dir: %w", err)
	}
	s := &Store{
		dbPath: filepath.Join(cfg.Dir, "tasks.db"),
		logger: logger.With("component", "tasklog"),
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// init 初始化数据库表结构和索引
func (s *Store) init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return err
	}

	ddl := `
CREATE TABLE IF NOT EXISTS operations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  action TEXT NOT NULL DEFAULT '',
  connection_id TEXT NOT NULL DEFAULT '',
  session_key TEXT NOT NULL DEFAULT '',
  detail TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'ok',
  error_message TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("create operations table: %w", err)
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_operations_created ON operations(created_at DESC);",
		"CREATE INDEX IF NOT EXISTS idx_operations_action ON operations(action);",
		"CREATE INDEX IF NOT EXISTS idx_operations_connection ON operations(connection_id);",
		"CREATE INDEX IF NOT EXISTS idx_operations_session ON operations(session_key);",
		"CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);",
	}
	for _, idx := range indices {
		_, _ = db.Exec(idx)
	}

	// FTS5 全文搜索索引
	_, _ = db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS operations_fts USING fts5(
		detail, error_message,
		content=operations, content_rowid=id
	);`)
	_, _ = db.Exec(`CREATE TRIGGER IF NOT EXISTS operations_fts_ai AFTER INSERT ON operations BEGIN
		INSERT INTO operations_fts(rowid, detail, error_message) VALUES (new.id, new.detail, new.error_message);
	END;`)
	_, _ = db.Exec(`CREATE TRIGGER IF NOT EXISTS operations_fts_ad AFTER DELETE ON operations BEGIN
		INSERT INTO operations_fts(operations_fts, rowid, detail, error_message) VALUES ('delete', old.id, old.detail, old.error_message);
	END;`)

	return nil
}

func (s *Store) openDB() (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	db, err := sql.Open("sqlite", s.dbPath+"?_pragma=busy_timeout%3d5000&_pragma=journal_mode%3dwal")
	if err != nil {
		return nil, fmt.Errorf("open tasklog db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s.db = db
	return db, nil
}

// Record 实现 client.Recorder，写入失败只记日志不影响调用方
func (s *Store) Record(ctx context.Context, op client.Operation) {
	rec := &TaskRecord{
		Action:       op.Action,
		ConnectionID: op.ConnectionID,
		SessionKey:   op.SessionKey,
		Detail:       op.Detail,
		Status:       op.Status,
		ErrorMessage: op.Error,
		DurationMs:   op.Duration.Milliseconds(),
	}
	if !op.StartedAt.IsZero() {
		rec.CreatedAt = op.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if err := s.Log(ctx, rec); err != nil {
		s.logger.Warn("failed to record operation", "action", op.Action, "error", err)
	}
}

// Log 记录一条操作
func (s *Store) Log(ctx context.Context, rec *TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return err
	}

	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if rec.Status == "" {
		rec.Status = "ok"
	}

	result, err := db.ExecContext(ctx,
		`INSERT INTO operations(action, connection_id, session_key, detail, status, error_message, duration_ms, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		rec.Action, rec.ConnectionID, rec.SessionKey, rec.Detail,
		rec.Status, rec.ErrorMessage, rec.DurationMs, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	rec.ID, _ = result.LastInsertId()
	return nil
}

// Get 根据 ID 获取单条记录，不存在时返回 nil
func (s *Store) Get(ctx context.Context, id int64) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return nil, err
	}

	var r TaskRecord
	err = db.QueryRowContext(ctx, "SELECT "+columns+" FROM operations WHERE id=?", id).Scan(r.fields()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

const columns = "id, action, connection_id, session_key, detail, status, error_message, duration_ms, created_at"

func (r *TaskRecord) fields() []any {
	return []any{&r.ID, &r.Action, &r.ConnectionID, &r.SessionKey, &r.Detail,
		&r.Status, &r.ErrorMessage, &r.DurationMs, &r.CreatedAt}
}

// QueryParams 查询参数
type QueryParams struct {
	Action       string // 按操作类型过滤
	ConnectionID string // 按连接过滤
	SessionKey   string // 按会话过滤
	Status       string // 按状态过滤
	Search       string // 全文搜索
	Since        string // 起始时间（RFC3339），含
	Until        string // 截止时间（RFC3339），含
	SortBy       string // 排序字段: created_at(默认) | duration_ms | action | status
	Ascending    bool   // 是否升序，默认降序
	Limit        int    // 分页大小
	Offset       int    // 偏移量
}

// Query 分页查询操作记录，返回当前页和总数
func (s *Store) Query(ctx context.Context, p QueryParams) ([]TaskRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return nil, 0, err
	}

	if p.Limit <= 0 {
		p.Limit = 50
	}

	var conditions []string
	var args []any
	eq := func(col, v string) {
		if v != "" {
			conditions = append(conditions, col+"=?")
			args = append(args, v)
		}
	}
	eq("action", p.Action)
	eq("connection_id", p.ConnectionID)
	eq("session_key", p.SessionKey)
	eq("status", p.Status)

	// 全文搜索走 FTS5
	if p.Search != "" {
		conditions = append(conditions, "id IN (SELECT rowid FROM operations_fts WHERE operations_fts MATCH ?)")
		args = append(args, buildFTSQuery(p.Search))
	}
	if p.Since != "" {
		conditions = append(conditions, "created_at>=?")
		args = append(args, p.Since)
	}
	if p.Until != "" {
		conditions = append(conditions, "created_at<=?")
		args = append(args, p.Until)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM operations"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count operations: %w", err)
	}

	sortCol := "created_at"
	switch p.SortBy {
	case "duration_ms", "action", "status":
		sortCol = p.SortBy
	}
	sortDir := "DESC"
	if p.Ascending {
		sortDir = "ASC"
	}

	query := "SELECT " + columns + " FROM operations" + where + " ORDER BY " + sortCol + " " + sortDir + ", id " + sortDir + " LIMIT ? OFFSET ?"
	rows, err := db.QueryContext(ctx, query, append(args, p.Limit, p.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var r TaskRecord
		if err := rows.Scan(r.fields()...); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, total, rows.Err()
}

// Stats 返回统计信息
type Stats struct {
	TotalRecords   int            `json:"totalRecords"`
	ByAction       map[string]int `json:"byAction"`
	ByConnection   map[string]int `json:"byConnection"`
	ByStatus       map[string]int `json:"byStatus"`
	AvgDurationMs  float64        `json:"avgDurationMs"`
	EarliestRecord string         `json:"earliestRecord"`
	LatestRecord   string         `json:"latestRecord"`
}

// GetStats 获取操作日志统计
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return nil, err
	}

	st := &Stats{
		ByAction:     make(map[string]int),
		ByConnection: make(map[string]int),
		ByStatus:     make(map[string]int),
	}

	err = db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(AVG(duration_ms),0),
		COALESCE(MIN(created_at),''), COALESCE(MAX(created_at),'') FROM operations`).
		Scan(&st.TotalRecords, &st.AvgDurationMs, &st.EarliestRecord, &st.LatestRecord)
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}

	scanGroupBy(ctx, db, "SELECT action, COUNT(*) FROM operations GROUP BY action", st.ByAction)
	scanGroupBy(ctx, db, "SELECT connection_id, COUNT(*) FROM operations GROUP BY connection_id", st.ByConnection)
	scanGroupBy(ctx, db, "SELECT status, COUNT(*) FROM operations GROUP BY status", st.ByStatus)

	return st, nil
}

// Cleanup 清理过期记录
func (s *Store) Cleanup(ctx context.Context, maxAgeDays, maxRecords int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return 0, err
	}

	var totalDeleted int64

	// 按时间清理
	if maxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -maxAgeDays).UTC().Format(time.RFC3339Nano)
		result, err := db.ExecContext(ctx, "DELETE FROM operations WHERE created_at < ?", cutoff)
		if err != nil {
			return totalDeleted, fmt.Errorf("cleanup by age: %w", err)
		}
		n, _ := result.RowsAffected()
		totalDeleted += n
	}

	// 按数量清理（保留最新的 maxRecords 条）
	if maxRecords > 0 {
		result, err := db.ExecContext(ctx,
			"DELETE FROM operations WHERE id NOT IN (SELECT id FROM operations ORDER BY created_at DESC, id DESC LIMIT ?)",
			maxRecords,
		)
		if err != nil {
			return totalDeleted, fmt.Errorf("cleanup by count: %w", err)
		}
		n, _ := result.RowsAffected()
		totalDeleted += n
	}

	return totalDeleted, nil
}

// Count 返回总记录数
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return 0, err
	}
	var cnt int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM operations").Scan(&cnt)
	return cnt, err
}

// Close 关闭数据库
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// DBPath 返回数据库文件路径
func (s *Store) DBPath() string {
	return s.dbPath
}

func scanGroupBy(ctx context.Context, db *sql.DB, query string, target map[string]int) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var cnt int
		if err := rows.Scan(&key, &cnt); err == nil {
			target[key] = cnt
		}
	}
}

func buildFTSQuery(input string) string {
	words := strings.Fields(input)
	if len(words) == 0 {
		return `""`
	}
	parts := make([]string, 0, len(words))
	for _, w := range words {
		parts = append(parts, `"`+strings.ReplaceAll(w, `"`, `""`)+`"`)
	}
	return strings.Join(parts, " OR ")
}
