//go:build unix

package worker

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup worker 单独进程组，停止时连同其子进程一起处理
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(pid int, sig unix.Signal) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		// 进程组可能不存在，回退尝试单进程
		_ = unix.Kill(pid, sig)
	}
}

func terminate(pid int) { signalGroup(pid, unix.SIGTERM) }

func kill(pid int) { signalGroup(pid, unix.SIGKILL) }

// exitCode 被信号杀死时按 shell 习惯返回 128+signal
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return -1
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ee.ExitCode()
}
