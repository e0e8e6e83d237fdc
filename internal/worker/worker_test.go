package worker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willway/botkeeper/internal/botconfig"
	"github.com/willway/botkeeper/pkg/logger"
)

// safeBuffer 并发安全的输出缓冲
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) add(ev Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventLog) kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Kind)
	}
	return out
}

func setup(t *testing.T, script string) (Options, *safeBuffer, *eventLog) {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "bot_config.json")
	require.NoError(t, os.WriteFile(cfg, []byte(`{"bot_token":"T"}`), 0o644))
	sp := filepath.Join(dir, "bot.sh")
	require.NoError(t, os.WriteFile(sp, []byte(script), 0o755))

	out := &safeBuffer{}
	evs := &eventLog{}
	return Options{
		Name:        "main",
		ScriptPath:  sp,
		ConfigPath:  cfg,
		Interpreter: "/bin/sh",
		Output:      out,
		StopTimeout: 2 * time.Second,
		SettleDelay: 10 * time.Millisecond,
		Logger:      logger.Discard(),
		OnEvent:     evs.add,
	}, out, evs
}

func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
}

// TestStartStop 测试正常启动与优雅停止
func TestStartStop(t *testing.T) {
	opts, _, evs := setup(t, "exec sleep 30\n")
	w := New(opts)
	assert.Equal(t, StateStopped, w.State())

	startWorker(t, w)
	assert.True(t, w.Alive())
	assert.Equal(t, StateRunning, w.State())
	assert.NotZero(t, w.Info().PID)

	start := time.Now()
	require.NoError(t, w.Stop())
	assert.Less(t, time.Since(start), opts.StopTimeout)
	assert.False(t, w.Alive())
	assert.Equal(t, StateStopped, w.State())

	code, ok := w.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 128+15, code)
	assert.Equal(t, []string{EventStart, EventExit, EventStop}, evs.kinds())
}

// TestStartTwiceKeepsSingleProcess 测试重复启动不会产生第二个进程
func TestStartTwiceKeepsSingleProcess(t *testing.T) {
	opts, _, _ := setup(t, "exec sleep 30\n")
	w := New(opts)
	startWorker(t, w)
	pid := w.Info().PID
	require.NoError(t, w.Start())
	assert.Equal(t, pid, w.Info().PID)
}

// TestStartInvalidConfig 测试配置 JSON 非法时不启动
func TestStartInvalidConfig(t *testing.T) {
	opts, _, evs := setup(t, "exec sleep 30\n")
	require.NoError(t, os.WriteFile(opts.ConfigPath, []byte(`{"bot_token":`), 0o644))

	w := New(opts)
	err := w.Start()
	require.Error(t, err)
	assert.True(t, errors.Is(err, botconfig.ErrInvalidConfig))
	assert.Equal(t, StateStopped, w.State())
	assert.False(t, w.Alive())
	assert.Empty(t, evs.kinds())
}

// TestStartSpawnFailure 测试进程无法创建时进入 failed
func TestStartSpawnFailure(t *testing.T) {
	opts, _, evs := setup(t, "exec sleep 30\n")
	opts.Interpreter = filepath.Join(t.TempDir(), "no-such-interpreter")

	w := New(opts)
	err := w.Start()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpawnFailed))
	assert.Equal(t, StateFailed, w.State())
	assert.Equal(t, []string{EventSpawnFailed}, evs.kinds())
	assert.NoError(t, w.Stop())
	assert.Equal(t, StateFailed, w.State())
}

// TestCrashRecordsExitCode 测试进程自行退出后记录退出码
func TestCrashRecordsExitCode(t *testing.T) {
	opts, _, _ := setup(t, "exit 137\n")
	w := New(opts)
	require.NoError(t, w.Start())

	require.Eventually(t, func() bool { return !w.Alive() }, 3*time.Second, 20*time.Millisecond)
	code, ok := w.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 137, code)
	assert.Equal(t, StateStopped, w.State())

	// 可以再次启动
	require.NoError(t, w.Start())
}

// TestStopForceKill 测试忽略 SIGTERM 的进程在超时后被 SIGKILL
func TestStopForceKill(t *testing.T) {
	opts, out, evs := setup(t, "trap '' TERM\necho ready\nwhile :; do sleep 0.05; done\n")
	opts.StopTimeout = 300 * time.Millisecond
	w := New(opts)
	startWorker(t, w)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "[main] ready") }, 3*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, w.Stop())
	assert.GreaterOrEqual(t, time.Since(start), opts.StopTimeout)
	assert.False(t, w.Alive())

	code, _ := w.ExitCode()
	assert.Equal(t, 128+9, code)
	kinds := evs.kinds()
	assert.Equal(t, EventStop, kinds[len(kinds)-1])
	evs.mu.Lock()
	assert.Equal(t, "killed", evs.events[len(evs.events)-1].Reason)
	evs.mu.Unlock()
}

// TestOutputPrefixedAndEnv 测试输出加前缀、环境变量传递
func TestOutputPrefixedAndEnv(t *testing.T) {
	opts, out, _ := setup(t, "echo \"cfg=$BOT_CONFIG_FILE name=$BOT_NAME\"\necho oops >&2\nprintf partial\n")
	w := New(opts)
	require.NoError(t, w.Start())
	require.Eventually(t, func() bool { return !w.Alive() }, 3*time.Second, 20*time.Millisecond)

	text := out.String()
	assert.Contains(t, text, "[main] cfg="+opts.ConfigPath+" name=main\n")
	assert.Contains(t, text, "[main] oops\n")
	assert.Contains(t, text, "[main] partial\n")
}

// TestRestartChangesProcess 测试重启后是新进程
func TestRestartChangesProcess(t *testing.T) {
	opts, _, evs := setup(t, "exec sleep 30\n")
	w := New(opts)
	startWorker(t, w)
	pid := w.Info().PID

	require.NoError(t, w.Restart(context.Background()))
	assert.True(t, w.Alive())
	assert.NotEqual(t, pid, w.Info().PID)
	assert.Equal(t, []string{EventStart, EventExit, EventStop, EventStart}, evs.kinds())
}

// TestRestartCanceledDuringSettle 测试等待期间取消
func TestRestartCanceledDuringSettle(t *testing.T) {
	opts, _, _ := setup(t, "exec sleep 30\n")
	opts.SettleDelay = time.Hour
	w := New(opts)
	startWorker(t, w)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Restart(ctx), context.DeadlineExceeded)
	assert.False(t, w.Alive())
}

// TestPrefixWriter 测试跨多次 Write 的行拼接
func TestPrefixWriter(t *testing.T) {
	var buf bytes.Buffer
	p := newPrefixWriter(&buf, "b")
	_, _ = p.Write([]byte("he"))
	_, _ = p.Write([]byte("llo\nwor"))
	_, _ = p.Write([]byte("ld\n"))
	p.Flush()
	assert.Equal(t, "[b] hello\n[b] world\n", buf.String())
}

// TestPrefixWriterSplitsLongLine 测试没有换行的超长输出按上限切行，缓冲不无限增长
func TestPrefixWriterSplitsLongLine(t *testing.T) {
	var buf bytes.Buffer
	p := newPrefixWriter(&buf, "b")
	long := bytes.Repeat([]byte("x"), maxLineBytes)
	_, _ = p.Write(long)
	_, _ = p.Write(long[:10])
	assert.Len(t, p.buf, 10)
	_, _ = p.Write([]byte("\nok\n"))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "[b] "+string(long), lines[0])
	assert.Equal(t, "[b] "+string(long[:10]), lines[1])
	assert.Equal(t, "[b] ok", lines[2])
	assert.Empty(t, p.buf)
}

// TestOpenCombinedLog 测试合并日志追加
func TestOpenCombinedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "workers.log")
	for _, line := range []string{"one\n", "two\n"} {
		w, err := OpenCombinedLog(path)
		require.NoError(t, err)
		_, err = w.Write([]byte(line))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}
