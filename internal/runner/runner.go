package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const (
	StdoutFile = "stdout.log"
	StderrFile = "stderr.log"
)

var (
	// ErrLaunchFailed means the program never started. No deadline was consumed.
	ErrLaunchFailed = errors.New("launch failed")
	// ErrTimedOut means the deadline elapsed and the process group was killed.
	ErrTimedOut = errors.New("timed out")
	// ErrCancelled means the caller's context ended and the process group was killed.
	ErrCancelled = errors.New("cancelled")
)

// Spec describes a single invocation of the evaluation program.
type Spec struct {
	Program   string
	Args      []string
	WorkDir   string
	OutputDir string
	Env       []string
	Timeout   time.Duration
}

// Result is filled for every run that got past Start.
type Result struct {
	ExitCode   int
	StdoutPath string
	StderrPath string
	StartTime  time.Time
	EndTime    time.Time
}

func (r Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Runner launches evaluation programs as child processes in their own process
// group and kills the whole group on deadline or cancellation.
type Runner struct {
	// KillGrace bounds how long Run waits for the killed process to be reaped.
	// Zero returns as soon as the kill signal is sent.
	KillGrace time.Duration
	Now       func() time.Time
}

func New(killGrace time.Duration) *Runner {
	return &Runner{KillGrace: killGrace}
}

// Run starts spec.Program and blocks until it exits, spec.Timeout elapses, or
// ctx is done. A nil error means the process exited on its own and
// Result.ExitCode holds its status.
func (r *Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	now := r.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
	}
	if spec.Program == "" {
		return Result{}, fmt.Errorf("%w: program is empty", ErrLaunchFailed)
	}
	if err := os.MkdirAll(spec.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: create output dir: %v", ErrLaunchFailed, err)
	}

	res := Result{
		StdoutPath: filepath.Join(spec.OutputDir, StdoutFile),
		StderrPath: filepath.Join(spec.OutputDir, StderrFile),
	}
	stdout, err := os.Create(res.StdoutPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: create stdout log: %v", ErrLaunchFailed, err)
	}
	defer stdout.Close()
	stderr, err := os.Create(res.StderrPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: create stderr log: %v", ErrLaunchFailed, err)
	}
	defer stderr.Close()

	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), spec.Env...)
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	res.StartTime = now()

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	var deadline <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-exited:
		res.EndTime = now()
		code, err := exitCode(err)
		if err != nil {
			return res, fmt.Errorf("wait: %w", err)
		}
		res.ExitCode = code
		return res, nil
	case <-deadline:
		r.kill(cmd, exited)
		res.EndTime = now()
		return res, fmt.Errorf("%w after %s", ErrTimedOut, spec.Timeout)
	case <-ctx.Done():
		r.kill(cmd, exited)
		res.EndTime = now()
		return res, fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
	}
}

// kill terminates the process group and waits at most KillGrace for the child
// to be reaped. After that the process is treated as gone regardless.
func (r *Runner) kill(cmd *exec.Cmd, exited <-chan error) {
	terminateProcessGroup(cmd)
	if r.KillGrace <= 0 {
		return
	}
	timer := time.NewTimer(r.KillGrace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// -1 when the process was ended by a signal it did not get from us.
		return ee.ExitCode(), nil
	}
	return 0, err
}
