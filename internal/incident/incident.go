// Package incident 记录平台侧设置被外部修改的安全事件。
// 文件只追加，不做轮转，由运维在外部处理。
package incident

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultPath 默认事件日志文件
const DefaultPath = "security_incidents.log"

// TimeLayout 事件时间格式（本地时区）
const TimeLayout = "2006-01-02 15:04:05"

const (
	bannerPrefix = "=== SECURITY INCIDENT: "
	separator    = "----------------------------------------"
)

// Record 一次安全事件
type Record struct {
	ID                  string    `json:"id"`
	Time                time.Time `json:"time"`
	Bot                 string    `json:"bot"`
	RemoteDisplayName   string    `json:"remote_display_name"`
	ExpectedDisplayName string    `json:"expected_display_name"`
	WebhookURL          string    `json:"webhook_url"`
	Divergences         []string  `json:"divergences"`
}

// Mirror 事件的附加存储（可选）
type Mirror interface {
	RecordIncident(ctx context.Context, rec Record) error
}

// Log 追加写入的事件日志
type Log struct {
	path   string
	mirror Mirror
	log    logrus.FieldLogger
	mu     sync.Mutex
}

// New 创建事件日志；mirror 可为 nil
func New(path string, mirror Mirror, log logrus.FieldLogger) *Log {
	if path == "" {
		path = DefaultPath
	}
	return &Log{path: path, mirror: mirror, log: log}
}

// Path 日志文件路径
func (l *Log) Path() string { return l.path }

// Append 写入一条事件并 fsync。写入成功后才返回，调用方据此决定是否继续修复。
// 附加存储失败只记日志，不影响返回值。
func (l *Log) Append(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	l.mu.Lock()
	err := l.write(Format(rec))
	l.mu.Unlock()
	if err != nil {
		return rec, fmt.Errorf("append incident: %w", err)
	}

	if l.mirror != nil {
		if err := l.mirror.RecordIncident(ctx, rec); err != nil {
			l.log.WithError(err).WithField("incident", rec.ID).Warn("incident mirror write failed")
		}
	}
	return rec, nil
}

func (l *Log) write(block string) error {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(block); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Format 输出一条事件的文本块
func Format(rec Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s ===\n", bannerPrefix, rec.Bot)
	fmt.Fprintf(&b, "Incident: %s\n", rec.ID)
	fmt.Fprintf(&b, "Time: %s\n", rec.Time.Local().Format(TimeLayout))
	fmt.Fprintf(&b, "Remote display name: %s\n", orNone(rec.RemoteDisplayName))
	fmt.Fprintf(&b, "Expected display name: %s\n", orNone(rec.ExpectedDisplayName))
	fmt.Fprintf(&b, "Webhook URL: %s\n", orNone(rec.WebhookURL))
	for _, d := range rec.Divergences {
		fmt.Fprintf(&b, "Divergence: %s\n", d)
	}
	b.WriteString(separator + "\n")
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// Tail 读取最近 n 条事件块（原始文本），文件不存在时返回空
func (l *Log) Tail(n int) ([]string, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	blocks := []string{}
	var cur strings.Builder
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		cur.WriteString(line + "\n")
		if line == separator {
			blocks = append(blocks, cur.String())
			cur.Reset()
			if n > 0 && len(blocks) > n {
				blocks = blocks[len(blocks)-n:]
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return blocks, nil
}
