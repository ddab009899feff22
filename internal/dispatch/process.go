package dispatch

import (
	"errors"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// terminateGroup signals the process group led by pid with SIGTERM and
// escalates to SIGKILL if done has not fired after grace.
func terminateGroup(pid int, done <-chan struct{}, grace time.Duration) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = unix.Kill(pid, unix.SIGTERM)
	}
	select {
	case <-done:
		return
	case <-time.After(grace):
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}

func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
