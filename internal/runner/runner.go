// Package runner spawns and supervises one external process: it streams the
// process output line by line while it runs, enforces a wall-clock timeout and
// implements graceful-then-forced cancellation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrProcessStart wraps failures to spawn the process (missing binary,
	// permissions, bad working directory).
	ErrProcessStart = errors.New("process start error")
	// ErrProcessTimeout is set on the Result when the wall-clock budget ran out.
	ErrProcessTimeout = errors.New("process timeout")
	// ErrCancelled is set on the Result when Cancel stopped the process.
	ErrCancelled = errors.New("process cancelled")
)

// DefaultGracePeriod is the time between the termination signal and the
// forced kill.
const DefaultGracePeriod = 10 * time.Second

// Stream identifies the output a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LineFunc receives output lines as they arrive. Calls are serialized.
type LineFunc func(stream Stream, line string)

// Command describes the process to run.
type Command struct {
	Path        string
	Args        []string
	Dir         string
	Env         []string      // appended to the current environment
	Timeout     time.Duration // 0 means no timeout
	GracePeriod time.Duration // 0 means DefaultGracePeriod
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

// Result describes a finished process.
type Result struct {
	ExitCode  int // -1 when killed by a signal or never started
	Started   time.Time
	Stopped   time.Time
	Duration  time.Duration
	Cancelled bool
	TimedOut  bool
	// Err is ErrCancelled, a wrapped ErrProcessTimeout, the cause of the
	// parent context, the *exec.ExitError of a non-zero exit or nil.
	Err error
}

// Success reports a clean zero exit that was neither cancelled nor timed out.
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0 && !r.Cancelled && !r.TimedOut
}

const (
	stopNone int32 = iota
	stopCancel
	stopTimeout
)

// Handle is a running process. It is owned by the caller that started it and
// discarded once Wait returns.
type Handle struct {
	cmd     *exec.Cmd
	command Command
	started time.Time

	cancel    context.CancelCauseFunc
	stop      atomic.Int32 // why the process is being stopped
	timer     *time.Timer
	killMu    sync.Mutex
	killTimer *time.Timer

	out    *lineWriter
	errOut *lineWriter

	done   chan struct{}
	result Result
}

// Start spawns the process and returns immediately. Output lines are handed
// to onLine while the process runs. The returned error wraps ErrProcessStart.
func Start(ctx context.Context, c Command, onLine LineFunc) (*Handle, error) {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if onLine == nil {
		onLine = func(Stream, string) {}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	h := &Handle{
		command: c,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		err := terminate(cmd.Process)
		h.killMu.Lock()
		if h.killTimer == nil {
			h.killTimer = time.AfterFunc(c.GracePeriod, func() {
				slog.Warn("process ignored termination signal, killing", "path", c.Path, "grace", c.GracePeriod)
				_ = kill(cmd.Process)
			})
		}
		h.killMu.Unlock()
		return err
	}
	// Backstop: Wait gives up on the process and its pipes shortly after the
	// forced kill.
	cmd.WaitDelay = c.GracePeriod + time.Second

	var mu sync.Mutex
	h.out = newLineWriter(&mu, Stdout, onLine)
	h.errOut = newLineWriter(&mu, Stderr, onLine)
	cmd.Stdout = h.out
	cmd.Stderr = h.errOut

	h.started = time.Now()
	if err := cmd.Start(); err != nil {
		cancel(nil)
		return nil, fmt.Errorf("%w: %s: %w", ErrProcessStart, c.Path, err)
	}
	h.cmd = cmd

	if c.Timeout > 0 {
		h.timer = time.AfterFunc(c.Timeout, func() {
			if h.stop.CompareAndSwap(stopNone, stopTimeout) {
				cancel(ErrProcessTimeout)
			}
		})
	}

	slog.DebugContext(ctx, "process started", "path", c.Path, "pid", cmd.Process.Pid, "timeout", c.Timeout)
	go h.wait(ctx)
	return h, nil
}

// Run starts the process and waits for it.
func Run(ctx context.Context, c Command, onLine LineFunc) (Result, error) {
	h, err := Start(ctx, c, onLine)
	if err != nil {
		now := time.Now()
		return Result{ExitCode: -1, Started: now, Stopped: now, Err: err}, err
	}
	return h.Wait(), nil
}

func (h *Handle) wait(ctx context.Context) {
	waitErr := h.cmd.Wait()
	stopped := time.Now()

	if h.timer != nil {
		h.timer.Stop()
	}
	h.killMu.Lock()
	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	h.killMu.Unlock()
	h.out.Flush()
	h.errOut.Flush()

	res := Result{
		ExitCode: -1,
		Started:  h.started,
		Stopped:  stopped,
		Duration: stopped.Sub(h.started),
	}
	if h.cmd.ProcessState != nil {
		res.ExitCode = h.cmd.ProcessState.ExitCode()
	}

	switch h.stop.Load() {
	case stopCancel:
		res.Cancelled = true
		res.Err = ErrCancelled
	case stopTimeout:
		res.TimedOut = true
		res.Err = fmt.Errorf("%w after %s", ErrProcessTimeout, h.command.Timeout)
	default:
		if cause := context.Cause(ctx); cause != nil && ctx.Err() != nil {
			// parent context was cancelled (shutdown)
			res.Err = cause
		} else if waitErr != nil && res.ExitCode != 0 {
			res.Err = waitErr
		}
	}
	h.cancel(nil)

	slog.Debug("process finished", "path", h.command.Path, "exit_code", res.ExitCode,
		"duration", res.Duration, "cancelled", res.Cancelled, "timed_out", res.TimedOut)
	h.result = res
	close(h.done)
}

// Cancel asks the process to stop: a termination signal to its process group,
// then a forced kill after the grace period. It is idempotent and has no
// effect once the process exited.
func (h *Handle) Cancel() {
	select {
	case <-h.done:
		return
	default:
	}
	if h.stop.CompareAndSwap(stopNone, stopCancel) {
		h.cancel(ErrCancelled)
	}
}

// Wait blocks until the process exited and its output was delivered.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Done is closed when the process exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// PID of the process.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Started returns the time the process was spawned.
func (h *Handle) Started() time.Time {
	return h.started
}
