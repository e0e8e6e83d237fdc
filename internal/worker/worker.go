// Package worker 管理单个 bot worker 子进程：启动、停止、重启、存活检测。
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/willway/botkeeper/internal/botconfig"
)

// State worker 状态
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

const (
	DefaultStopTimeout = 5 * time.Second
	DefaultSettleDelay = 2 * time.Second
	// exec 在进程退出后等待输出管道关闭的上限
	pipeWaitDelay = time.Second
)

// ErrSpawnFailed 子进程无法创建
var ErrSpawnFailed = errors.New("spawn failed")

// 事件类型
const (
	EventStart       = "start"
	EventExit        = "exit"
	EventStop        = "stop"
	EventSpawnFailed = "spawn_failed"
)

// Event worker 生命周期事件
type Event struct {
	Bot      string
	Kind     string
	PID      int
	ExitCode *int
	Reason   string
}

// Options worker 参数
type Options struct {
	Name        string
	ScriptPath  string
	ConfigPath  string
	Interpreter string // 为空时直接执行脚本
	Env         []string
	Output      io.Writer // 合并的 stdout+stderr，按行加 "[name] " 前缀
	StopTimeout time.Duration
	SettleDelay time.Duration
	Logger      logrus.FieldLogger
	OnEvent     func(Event)
}

// Info 状态快照
type Info struct {
	State     State      `json:"state"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ExitCode  *int       `json:"last_exit_code,omitempty"`
	ExitedAt  *time.Time `json:"last_exit_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Worker 单个 worker 子进程。任一时刻最多一个存活进程。
type Worker struct {
	opts Options
	log  logrus.FieldLogger

	mu        sync.Mutex
	state     State
	pid       int
	done      chan struct{}
	startedAt time.Time
	exitCode  *int
	exitedAt  time.Time
	lastErr   string
}

// New 创建 worker，初始为 stopped
func New(opts Options) *Worker {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Worker{
		opts:  opts,
		log:   opts.Logger.WithField("bot", opts.Name),
		state: StateStopped,
	}
}

// SetConfigPath 替换配置文件路径（下次启动生效）
func (w *Worker) SetConfigPath(path string) {
	w.mu.Lock()
	w.opts.ConfigPath = path
	w.mu.Unlock()
}

// Alive 子进程是否存活
func (w *Worker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.aliveLocked()
}

func (w *Worker) aliveLocked() bool {
	if w.done == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// State 当前状态；进程自行退出后为 stopped
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ExitCode 最近一次退出码
func (w *Worker) ExitCode() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exitCode == nil {
		return 0, false
	}
	return *w.exitCode, true
}

// Info 状态快照
func (w *Worker) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := Info{State: w.state, LastError: w.lastErr}
	if w.aliveLocked() {
		info.PID = w.pid
		t := w.startedAt
		info.StartedAt = &t
	}
	if w.exitCode != nil {
		c := *w.exitCode
		info.ExitCode = &c
		t := w.exitedAt
		info.ExitedAt = &t
	}
	return info
}

// Start 校验配置 JSON 后启动子进程。已在运行时直接返回。
// 配置非法：保持 stopped；进程创建失败：进入 failed。
func (w *Worker) Start() error {
	w.mu.Lock()
	if w.aliveLocked() {
		w.mu.Unlock()
		return nil
	}

	if err := botconfig.ValidateFile(w.opts.ConfigPath); err != nil {
		w.state = StateStopped
		w.lastErr = err.Error()
		w.mu.Unlock()
		w.log.WithError(err).Error("config is not valid JSON, worker not started")
		return err
	}

	cmd := w.command()
	out := newPrefixWriter(w.opts.Output, w.opts.Name)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = pipeWaitDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		w.state = StateFailed
		w.lastErr = err.Error()
		w.mu.Unlock()
		w.log.WithError(err).Error("spawn worker failed")
		w.emit(Event{Kind: EventSpawnFailed, Reason: err.Error()})
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	done := make(chan struct{})
	pid := cmd.Process.Pid
	w.state = StateRunning
	w.pid = pid
	w.done = done
	w.startedAt = time.Now()
	w.lastErr = ""
	w.mu.Unlock()

	w.log.WithField("pid", pid).Info("worker started")
	w.emit(Event{Kind: EventStart, PID: pid})
	go w.reap(cmd, out, done)
	return nil
}

func (w *Worker) command() *exec.Cmd {
	var cmd *exec.Cmd
	if w.opts.Interpreter != "" {
		cmd = exec.Command(w.opts.Interpreter, w.opts.ScriptPath)
	} else {
		cmd = exec.Command(w.opts.ScriptPath)
	}
	cfgPath := w.opts.ConfigPath
	if abs, err := filepath.Abs(cfgPath); err == nil {
		cfgPath = abs
	}
	cmd.Env = append(os.Environ(), w.opts.Env...)
	cmd.Env = append(cmd.Env, "BOT_CONFIG_FILE="+cfgPath, "BOT_NAME="+w.opts.Name)
	return cmd
}

// reap 等待进程退出并记录退出码
func (w *Worker) reap(cmd *exec.Cmd, out *prefixWriter, done chan struct{}) {
	err := cmd.Wait()
	out.Flush()
	code := exitCode(err)

	w.mu.Lock()
	pid := w.pid
	w.exitCode = &code
	w.exitedAt = time.Now()
	if w.state == StateRunning {
		// 非主动停止
		w.state = StateStopped
	}
	w.mu.Unlock()

	c := code
	w.emit(Event{Kind: EventExit, PID: pid, ExitCode: &c})
	// 退出事件先于 done 关闭，Stop 的事件总在其后
	close(done)
}

// Stop 发送 SIGTERM，最多等待 StopTimeout，超时后 SIGKILL。
// 返回前进程一定已被回收。
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.aliveLocked() {
		if w.state != StateFailed {
			w.state = StateStopped
		}
		w.mu.Unlock()
		return nil
	}
	w.state = StateStopping
	pid, done := w.pid, w.done
	w.mu.Unlock()

	log := w.log.WithField("pid", pid)
	log.Info("stopping worker")
	terminate(pid)

	forced := false
	timer := time.NewTimer(w.opts.StopTimeout)
	select {
	case <-done:
		timer.Stop()
	case <-timer.C:
		forced = true
		log.Warnf("worker did not exit within %s, killing", w.opts.StopTimeout)
		kill(pid)
		<-done
	}

	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()

	reason := "graceful"
	if forced {
		reason = "killed"
	}
	w.emit(Event{Kind: EventStop, PID: pid, Reason: reason})
	return nil
}

// Restart stop，等待 SettleDelay，再 start
func (w *Worker) Restart(ctx context.Context) error {
	if err := w.Stop(); err != nil {
		return err
	}
	if w.opts.SettleDelay > 0 {
		t := time.NewTimer(w.opts.SettleDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return w.Start()
}

func (w *Worker) emit(ev Event) {
	if w.opts.OnEvent == nil {
		return
	}
	ev.Bot = w.opts.Name
	w.opts.OnEvent(ev)
}
