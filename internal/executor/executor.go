// Package executor runs the load generator binary as a child process.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// RawOutput captures the stdout/stderr of a finished process.
type RawOutput struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool // true if stdout was capped
	PID       int
}

// Command describes one invocation.
type Command struct {
	Tool string
	Args []string
	// Env is appended to the sanitized parent environment.
	Env []string
	Dir string
	// Stream, when set, receives stdout as it is produced in addition to
	// the capped capture.
	Stream io.Writer
}

// Executor runs external tools and captures their output.
type Executor interface {
	Run(ctx context.Context, cmd Command) (*RawOutput, error)
	Available(tool string) bool
}

// ProcessExecutor runs binaries found in the allowed paths.
type ProcessExecutor struct {
	security       *SecurityChecker
	maxOutputBytes int64
	logger         *zap.Logger
}

// NewProcessExecutor creates an executor. A nil logger discards output.
func NewProcessExecutor(security *SecurityChecker, logger *zap.Logger) *ProcessExecutor {
	if security == nil {
		security = NewSecurityChecker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessExecutor{
		security:       security,
		maxOutputBytes: 50 * 1024 * 1024, // 50MB
		logger:         logger,
	}
}

// gracefulShutdownTimeout is how long we wait after SIGINT before sending SIGKILL.
const gracefulShutdownTimeout = 3 * time.Second

// Run executes cmd with output capping. When ctx is cancelled, SIGINT goes
// to the process group first so k6 can flush its JSON output and print the
// end-of-test summary; SIGKILL follows after gracefulShutdownTimeout.
// A non-zero exit is reported through RawOutput.ExitCode, not as an error.
func (e *ProcessExecutor) Run(ctx context.Context, c Command) (*RawOutput, error) {
	start := time.Now()

	binPath, err := e.security.ResolveBinary(c.Tool)
	if err != nil {
		return nil, fmt.Errorf("security check for %q: %w", c.Tool, err)
	}
	if err := e.security.VerifyBinary(binPath); err != nil {
		return nil, fmt.Errorf("binary verification for %q: %w", binPath, err)
	}

	// exec.Command, not CommandContext: we control the signal sequence.
	cmd := exec.Command(binPath, c.Args...)
	cmd.Env = append(e.security.SanitizeEnv(), c.Env...)
	cmd.Dir = c.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	limited := &LimitedWriter{W: &stdout, N: e.maxOutputBytes}
	if c.Stream != nil {
		cmd.Stdout = io.MultiWriter(limited, c.Stream)
	} else {
		cmd.Stdout = limited
	}
	cmd.Stderr = &LimitedWriter{W: &stderr, N: e.maxOutputBytes}

	e.logger.Debug("exec", zap.String("binary", binPath), zap.String("args", strings.Join(c.Args, " ")))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Tool, err)
	}
	raw := &RawOutput{PID: cmd.Process.Pid}

	// exited is closed once done has been written so the signal goroutine
	// can observe exit without consuming the error value.
	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		done <- err
		close(exited)
	}()

	go func() {
		select {
		case <-ctx.Done():
			pgid := cmd.Process.Pid
			if err := syscall.Kill(-pgid, syscall.SIGINT); err != nil {
				_ = cmd.Process.Signal(syscall.SIGINT)
			}
			select {
			case <-exited:
			case <-time.After(gracefulShutdownTimeout):
				e.logger.Warn("process ignored SIGINT, killing", zap.String("tool", c.Tool), zap.Int("pid", pgid))
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
				_ = cmd.Process.Signal(os.Kill)
			}
		case <-exited:
		}
	}()

	waitErr := <-done

	raw.Stdout = stdout.String()
	raw.Stderr = stderr.String()
	raw.Duration = time.Since(start)
	raw.Truncated = limited.Truncated
	if cmd.ProcessState != nil {
		raw.ExitCode = cmd.ProcessState.ExitCode()
	}

	// Context errors take priority; partial output is fine.
	if ctx.Err() != nil {
		return raw, nil
	}
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); ok {
			return raw, nil
		}
		return nil, fmt.Errorf("execute %s: %w", c.Tool, waitErr)
	}
	return raw, nil
}

// Available checks if a binary exists in the allowed paths.
func (e *ProcessExecutor) Available(tool string) bool {
	_, err := e.security.ResolveBinary(tool)
	return err == nil
}

// LimitedWriter wraps a writer with a byte limit.
type LimitedWriter struct {
	W         *bytes.Buffer
	N         int64
	written   int64
	Truncated bool
}

func (lw *LimitedWriter) Write(p []byte) (int, error) {
	if lw.written >= lw.N {
		lw.Truncated = true
		// exec.Cmd expects every byte consumed.
		return len(p), nil
	}
	remaining := lw.N - lw.written
	if int64(len(p)) > remaining {
		n, err := lw.W.Write(p[:remaining])
		lw.written += int64(n)
		lw.Truncated = true
		return len(p), err
	}
	n, err := lw.W.Write(p)
	lw.written += int64(n)
	return n, err
}
