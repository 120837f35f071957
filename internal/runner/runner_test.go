//go:build !windows

package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "eval.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"success", "exit 0", 0},
		{"failure", "exit 3", 3},
		{"failure after output", "echo working; echo oops >&2; exit 17", 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp := t.TempDir()
			r := New(time.Second)
			res, err := r.Run(context.Background(), Spec{
				Program:   writeScript(t, tmp, tt.body),
				WorkDir:   tmp,
				OutputDir: filepath.Join(tmp, "out"),
				Timeout:   5 * time.Second,
			})
			require.NoError(t, err)
			require.Equal(t, tt.code, res.ExitCode)
			require.False(t, res.StartTime.IsZero())
			require.False(t, res.EndTime.Before(res.StartTime))
		})
	}
}

func TestRunRedirectsOutputAndPassesArgs(t *testing.T) {
	tmp := t.TempDir()
	out := filepath.Join(tmp, "nested", "out")
	r := New(time.Second)
	res, err := r.Run(context.Background(), Spec{
		Program:   writeScript(t, tmp, `echo "args: $*"; touch marker; echo "env: $EVAL_MARKER"; echo "to stderr" >&2`),
		Args:      []string{"policy.kinfer", "kbot", "--out", out},
		WorkDir:   tmp,
		OutputDir: out,
		Env:       []string{"EVAL_MARKER=present"},
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, filepath.Join(out, StdoutFile), res.StdoutPath)

	stdout, err := os.ReadFile(res.StdoutPath)
	require.NoError(t, err)
	require.Contains(t, string(stdout), "args: policy.kinfer kbot --out "+out)
	require.Contains(t, string(stdout), "env: present")
	require.FileExists(t, filepath.Join(tmp, "marker"))

	stderr, err := os.ReadFile(res.StderrPath)
	require.NoError(t, err)
	require.Equal(t, "to stderr\n", string(stderr))
}

func TestRunLaunchFailed(t *testing.T) {
	tmp := t.TempDir()
	r := New(time.Second)

	start := time.Now()
	_, err := r.Run(context.Background(), Spec{
		Program:   filepath.Join(tmp, "does-not-exist"),
		WorkDir:   tmp,
		OutputDir: filepath.Join(tmp, "out"),
		Timeout:   10 * time.Second,
	})
	require.ErrorIs(t, err, ErrLaunchFailed)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRunEmptyProgram(t *testing.T) {
	r := New(time.Second)
	_, err := r.Run(context.Background(), Spec{OutputDir: t.TempDir()})
	require.ErrorIs(t, err, ErrLaunchFailed)
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	tmp := t.TempDir()
	pidFile := filepath.Join(tmp, "child.pid")
	// The script forks a long-lived child and records its pid, then waits on it.
	script := writeScript(t, tmp, "sleep 30 &\necho $! > "+pidFile+"\nwait")

	timeout := 300 * time.Millisecond
	r := New(2 * time.Second)
	start := time.Now()
	res, err := r.Run(context.Background(), Spec{
		Program:   script,
		WorkDir:   tmp,
		OutputDir: filepath.Join(tmp, "out"),
		Timeout:   timeout,
	})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimedOut)
	require.GreaterOrEqual(t, elapsed, timeout)
	require.Less(t, elapsed, timeout+3*time.Second)
	require.GreaterOrEqual(t, res.Duration(), timeout)

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return processGone(pid)
	}, 2*time.Second, 20*time.Millisecond, "grandchild %d survived the timeout", pid)
}

// processGone treats an unreaped zombie as gone; it may be waiting on a parent
// that does not reap orphans.
func processGone(pid int) bool {
	if errors.Is(syscall.Kill(pid, 0), syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

func TestRunCancelled(t *testing.T) {
	tmp := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	r := New(2 * time.Second)
	start := time.Now()
	_, err := r.Run(ctx, Spec{
		Program:   writeScript(t, tmp, "sleep 30"),
		WorkDir:   tmp,
		OutputDir: filepath.Join(tmp, "out"),
		Timeout:   time.Minute,
	})
	require.ErrorIs(t, err, ErrCancelled)
	require.NotErrorIs(t, err, ErrTimedOut)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRunZeroKillGraceReturnsWithoutWaiting(t *testing.T) {
	tmp := t.TempDir()
	pidFile := filepath.Join(tmp, "eval.pid")
	script := writeScript(t, tmp, "echo $$ > "+pidFile+"\nsleep 30")

	timeout := 200 * time.Millisecond
	r := New(0)
	start := time.Now()
	_, err := r.Run(context.Background(), Spec{
		Program:   script,
		WorkDir:   tmp,
		OutputDir: filepath.Join(tmp, "out"),
		Timeout:   timeout,
	})
	require.ErrorIs(t, err, ErrTimedOut)
	require.Less(t, time.Since(start), timeout+time.Second)

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return processGone(pid)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRunAlreadyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(time.Second)
	_, err := r.Run(ctx, Spec{Program: "sh", OutputDir: t.TempDir()})
	require.ErrorIs(t, err, ErrCancelled)
}
