package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const (
	// DefaultBashTimeout is the wall-clock limit for one Bash tool call.
	DefaultBashTimeout = 30 * time.Second
	// maxBashOutput caps each captured stream.
	maxBashOutput = 100 * 1024
)

// BashResult is what the model sees for a Bash call. Failures are data.
type BashResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

// runBash runs command with sh -c in dir. The process group is killed when
// the timeout expires. Cancelling ctx has the same effect, so callers that
// want a call to outlive a cancelled turn pass a detached context.
func runBash(ctx context.Context, dir, command string, timeout time.Duration) BashResult {
	if timeout <= 0 {
		timeout = DefaultBashTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: maxBashOutput}
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: maxBashOutput}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	res := BashResult{Stdout: stdout.String(), Stderr: stderr.String()}
	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
		res.Error = fmt.Sprintf("command timed out after %v", timeout)
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Error = fmt.Sprintf("command exited with code %d", res.ExitCode)
		} else {
			res.ExitCode = -1
			res.Error = fmt.Sprintf("command failed: %s", err)
		}
	}
	return res
}

// limitedWriter keeps the first limit bytes and discards the rest.
type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
