//go:build unix

package tunnel

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts cmd in its own process group so the whole
// forwarder tree can be signalled at once.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalTree signals the process group of pid and every listed descendant
// that left the group. Processes that are already gone are ignored.
func signalTree(pid int, tree []int, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	var firstErr error
	record := func(err error) {
		if err != nil && !errors.Is(err, unix.ESRCH) && firstErr == nil {
			firstErr = err
		}
	}
	record(unix.Kill(-pid, sig))
	record(unix.Kill(pid, sig))
	for _, p := range tree {
		record(unix.Kill(p, sig))
	}
	return firstErr
}
