package incident

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willway/botkeeper/pkg/logger"
)

type fakeMirror struct {
	recs []Record
	err  error
}

func (m *fakeMirror) RecordIncident(_ context.Context, rec Record) error {
	m.recs = append(m.recs, rec)
	return m.err
}

// TestAppendFormat 测试事件块格式
func TestAppendFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security_incidents.log")
	l := New(path, nil, logger.Discard())

	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.Local)
	rec, err := l.Append(context.Background(), Record{
		Time:                ts,
		Bot:                 "main",
		RemoteDisplayName:   "Pirate",
		ExpectedDisplayName: "Willway",
		WebhookURL:          "https://evil.example/hook",
		Divergences:         []string{`displayName: remote "Pirate", expected "Willway"`},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	assert.Equal(t, "=== SECURITY INCIDENT: main ===", lines[0])
	assert.Contains(t, text, "Time: 2026-03-04 05:06:07\n")
	assert.Contains(t, text, "Remote display name: Pirate\n")
	assert.Contains(t, text, "Expected display name: Willway\n")
	assert.Contains(t, text, "Webhook URL: https://evil.example/hook\n")
	assert.Equal(t, separator, lines[len(lines)-1])
}

// TestAppendIsAppendOnly 测试多次写入只追加
func TestAppendIsAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "incidents.log")
	l := New(path, nil, logger.Discard())
	for _, name := range []string{"a", "b", "c"} {
		_, err := l.Append(context.Background(), Record{Bot: name})
		require.NoError(t, err)
	}

	blocks, err := l.Tail(2)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.True(t, strings.HasPrefix(blocks[0], "=== SECURITY INCIDENT: b ==="))
	assert.True(t, strings.HasPrefix(blocks[1], "=== SECURITY INCIDENT: c ==="))
	assert.Contains(t, blocks[1], "Webhook URL: (none)")

	all, err := l.Tail(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// TestAppendMirrorFailureIgnored 测试附加存储失败不影响写入
func TestAppendMirrorFailureIgnored(t *testing.T) {
	m := &fakeMirror{err: errors.New("db locked")}
	l := New(filepath.Join(t.TempDir(), "i.log"), m, logger.Discard())
	rec, err := l.Append(context.Background(), Record{Bot: "main"})
	require.NoError(t, err)
	require.Len(t, m.recs, 1)
	assert.Equal(t, rec.ID, m.recs[0].ID)
}

// TestAppendWriteFailure 测试文件不可写时返回错误
func TestAppendWriteFailure(t *testing.T) {
	dir := t.TempDir()
	// 目录当文件用，打开必然失败
	l := New(dir, nil, logger.Discard())
	_, err := l.Append(context.Background(), Record{Bot: "main"})
	assert.Error(t, err)
}

// TestTailMissingFile 测试文件不存在
func TestTailMissingFile(t *testing.T) {
	blocks, err := New(filepath.Join(t.TempDir(), "none.log"), nil, logger.Discard()).Tail(10)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}
