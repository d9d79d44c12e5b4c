//go:build !unix

package tunnel

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// signalTree kills the forwarder and the listed descendants. There are no
// process groups to signal and no graceful signal to send.
func signalTree(pid int, tree []int, _ bool) error {
	var firstErr error
	for _, p := range append([]int{pid}, tree...) {
		proc, err := os.FindProcess(p)
		if err != nil {
			continue
		}
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
