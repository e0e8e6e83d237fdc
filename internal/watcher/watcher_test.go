package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willway/botkeeper/pkg/logger"
)

func startWatcher(t *testing.T, files ...string) *Watcher {
	t.Helper()
	w, err := New(files, 30*time.Millisecond, logger.Discard())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func waitSignal(w *Watcher, d time.Duration) bool {
	select {
	case <-w.C():
		return true
	case <-time.After(d):
		return false
	}
}

// TestWatcherSignalsOnWrite 测试被关心的文件写入后发出信号
func TestWatcherSignalsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	w := startWatcher(t, path)

	// 多次写入只合并成一个信号
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"bot_name":"x"}`), 0o644))
	}
	assert.True(t, waitSignal(w, 2*time.Second))
	assert.False(t, waitSignal(w, 150*time.Millisecond))
}

// TestWatcherIgnoresOtherFiles 测试同目录其它文件不会触发
func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	w := startWatcher(t, path)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
	assert.False(t, waitSignal(w, 200*time.Millisecond))
}

// TestWatcherAtomicReplace 测试"写临时文件再 rename"的保存方式
func TestWatcherAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	w := startWatcher(t, path)

	tmp := filepath.Join(dir, ".bot_config.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"bot_name":"y"}`), 0o644))
	require.NoError(t, os.Rename(tmp, path))
	assert.True(t, waitSignal(w, 2*time.Second))
}
