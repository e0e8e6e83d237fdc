// Package store 可选的 SQLite 历史库：安全事件与 worker 启停事件。
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/willway/botkeeper/internal/incident"
)

// createdAtLayout 定宽时间格式，保证 created_at 按文本排序即按时间排序
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// WorkerEvent worker 生命周期事件，Kind 取 worker.Event* 的值
type WorkerEvent struct {
	ID       int64     `json:"id"`
	Bot      string    `json:"bot"`
	Kind     string    `json:"kind"`
	PID      int       `json:"pid,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Store SQLite 历史库
type Store struct {
	db *sql.DB
}

// Open 打开（必要时创建）历史库
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS incidents (
  id TEXT PRIMARY KEY,
  bot TEXT NOT NULL,
  created_at TEXT NOT NULL,
  remote_display_name TEXT NOT NULL,
  expected_display_name TEXT NOT NULL,
  webhook_url TEXT NOT NULL,
  divergences TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_bot ON incidents(bot, created_at);`,
		`
CREATE TABLE IF NOT EXISTS worker_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  bot TEXT NOT NULL,
  kind TEXT NOT NULL,
  pid INTEGER,
  exit_code INTEGER,
  reason TEXT,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_events_bot ON worker_events(bot, id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// RecordIncident 写入事件（实现 incident.Mirror）
func (s *Store) RecordIncident(ctx context.Context, rec incident.Record) error {
	divs, err := json.Marshal(rec.Divergences)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO incidents(id, bot, created_at, remote_display_name, expected_display_name, webhook_url, divergences)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Bot, rec.Time.UTC().Format(createdAtLayout),
		rec.RemoteDisplayName, rec.ExpectedDisplayName, rec.WebhookURL, string(divs))
	return err
}

// ListIncidents 最近的事件，bot 为空时不过滤
func (s *Store) ListIncidents(ctx context.Context, bot string, limit int) ([]incident.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, bot, created_at, remote_display_name, expected_display_name, webhook_url, divergences
FROM incidents
WHERE (? = '' OR bot = ?)
ORDER BY created_at DESC
LIMIT ?`, bot, bot, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []incident.Record{}
	for rows.Next() {
		var (
			rec     incident.Record
			created string
			divs    string
		)
		if err := rows.Scan(&rec.ID, &rec.Bot, &created, &rec.RemoteDisplayName, &rec.ExpectedDisplayName, &rec.WebhookURL, &divs); err != nil {
			return nil, err
		}
		rec.Time, _ = time.Parse(time.RFC3339Nano, created)
		_ = json.Unmarshal([]byte(divs), &rec.Divergences)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordWorkerEvent 写入 worker 事件
func (s *Store) RecordWorkerEvent(ctx context.Context, ev WorkerEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	var pid any
	if ev.PID > 0 {
		pid = ev.PID
	}
	var code any
	if ev.ExitCode != nil {
		code = *ev.ExitCode
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO worker_events(bot, kind, pid, exit_code, reason, created_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		ev.Bot, ev.Kind, pid, code, ev.Reason, ev.At.UTC().Format(createdAtLayout))
	return err
}

// ListWorkerEvents 最近的 worker 事件（新的在前）
func (s *Store) ListWorkerEvents(ctx context.Context, bot string, limit int) ([]WorkerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, bot, kind, pid, exit_code, reason, created_at
FROM worker_events
WHERE (? = '' OR bot = ?)
ORDER BY id DESC
LIMIT ?`, bot, bot, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []WorkerEvent{}
	for rows.Next() {
		var (
			ev      WorkerEvent
			pid     sql.NullInt64
			code    sql.NullInt64
			reason  sql.NullString
			created string
		)
		if err := rows.Scan(&ev.ID, &ev.Bot, &ev.Kind, &pid, &code, &reason, &created); err != nil {
			return nil, err
		}
		if pid.Valid {
			ev.PID = int(pid.Int64)
		}
		if code.Valid {
			c := int(code.Int64)
			ev.ExitCode = &c
		}
		ev.Reason = reason.String
		ev.At, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, ev)
	}
	return out, rows.Err()
}
