//go:build windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// FindProcess always succeeds on Windows, so liveness is probed with a
// zero-value signal.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Windows has no SIGTERM delivery; both paths kill.
func terminate(pid int) error { return kill(pid) }

func kill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// Detach is a no-op on Windows.
func Detach(_ *exec.Cmd) {}

// ShutdownSignals are the signals a server treats as a stop request.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
