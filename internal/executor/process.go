package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"
)

// MaxOutputBytes caps each of stdout and stderr per run.
const MaxOutputBytes = 1 << 20

// Sentinel errors carried into result/test-case error strings. The texts
// are part of the API contract.
var (
	ErrTimeout     = fmt.Errorf("Execution timeout")
	ErrOutputLimit = fmt.Errorf("Output size exceeded limit")
)

type procResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// runProcess invokes bin with args in dir, feeding stdin to the child and
// enforcing the wall-clock timeout and output caps. The child runs in its
// own process group so stray grandchildren die with it. On timeout or cap
// overflow the group is killed forcefully and the sentinel error returned;
// produced bytes are discarded.
func runProcess(ctx context.Context, bin string, args []string, dir, stdin string, timeout time.Duration) (*procResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(bin, args...)
	cmd.Dir = dir
	if stdin != "" {
		// The full buffer is written and the pipe closed; programs that
		// read until EOF terminate.
		cmd.Stdin = strings.NewReader(stdin)
	}
	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	overflow := make(chan struct{})
	var once sync.Once
	trip := func() { once.Do(func() { close(overflow) }) }

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &cappedWriter{buf: &stdout, limit: MaxOutputBytes, trip: trip}
	cmd.Stderr = &cappedWriter{buf: &stderr, limit: MaxOutputBytes, trip: trip}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-runCtx.Done():
		killGroup(cmd)
		<-done
		return nil, ErrTimeout

	case <-overflow:
		killGroup(cmd)
		<-done
		return nil, ErrOutputLimit

	case err := <-done:
		res := &procResult{
			Stdout: strings.TrimSpace(stdout.String()),
			Stderr: strings.TrimSpace(stderr.String()),
		}
		if err != nil {
			exitErr, ok := err.(*exec.ExitError)
			if !ok {
				return nil, err
			}
			res.ExitCode = exitErr.ExitCode()
		}
		return res, nil
	}
}

// killGroup forcefully terminates the child and everything it spawned.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if runtime.GOOS != "windows" {
		if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			return
		}
	}
	_ = cmd.Process.Kill()
}

// cappedWriter accumulates up to limit bytes and trips once the total
// would exceed it. Bytes past the limit are dropped; the tripped run is
// killed by the caller, so nothing downstream reads the partial buffer.
type cappedWriter struct {
	buf     *bytes.Buffer
	limit   int64
	written int64
	trip    func()
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if w.written+int64(len(p)) > w.limit {
		room := w.limit - w.written
		if room > 0 {
			w.buf.Write(p[:room])
			w.written = w.limit
		}
		w.trip()
		return len(p), nil
	}
	n, err := w.buf.Write(p)
	w.written += int64(n)
	return n, err
}
