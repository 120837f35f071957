//go:build !windows

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kscalelabs/kodachrome/internal/runner"
	"github.com/kscalelabs/kodachrome/model"
	"github.com/stretchr/testify/require"
)

// evalScript stands in for the evaluation program. Its first argument (the
// subject) is how long to sleep; it prints a report link and exits with the
// code given as the profile.
func evalScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eval.sh")
	body := `#!/bin/sh
sleep "$1"
echo "report https://example.com/report/$1"
exit "$3"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func scenarioOrchestrator(t *testing.T, concurrency int, timeout time.Duration, program string) (*Orchestrator, *recordingDispatcher) {
	cfg := testConfig(t, concurrency)
	cfg.Program = program
	cfg.Timeout = timeout
	return newTestOrchestrator(t, cfg, runner.New(2*time.Second))
}

func submitRun(t *testing.T, o *Orchestrator, sleep, exitCode string) model.Job {
	t.Helper()
	id, err := o.Submit(context.Background(), model.JobRequest{Subject: sleep, Profile: exitCode})
	require.NoError(t, err)
	j, err := o.Status(id)
	require.NoError(t, err)
	return j
}

func TestScenarioTwoSlotsThreeJobs(t *testing.T) {
	o, _ := scenarioOrchestrator(t, 2, 30*time.Second, evalScript(t))

	j1 := submitRun(t, o, "1.5", "0")
	j2 := submitRun(t, o, "1.5", "0")
	j3 := submitRun(t, o, "0.2", "0")

	requireStatus(t, o, j1.ID, model.JobRunning)
	requireStatus(t, o, j2.ID, model.JobRunning)
	s3, err := o.Status(j3.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, s3.Status)

	r1 := wait(t, o, j1.ID)
	r2 := wait(t, o, j2.ID)
	r3 := wait(t, o, j3.ID)
	for _, j := range []model.Job{r1, r2, r3} {
		require.Equal(t, model.JobSucceeded, j.Status)
		require.NotNil(t, j.ExitCode)
		require.Equal(t, 0, *j.ExitCode)
	}

	firstFree := *r1.EndTime
	if r2.EndTime.Before(firstFree) {
		firstFree = *r2.EndTime
	}
	require.False(t, r3.StartTime.Before(firstFree), "job3 started before a slot was free")
	require.Equal(t, "https://example.com/report/0.2", r3.ReportURL)
}

func TestScenarioNonZeroExit(t *testing.T) {
	o, d := scenarioOrchestrator(t, 1, 30*time.Second, evalScript(t))

	j := wait(t, o, submitRun(t, o, "0", "7").ID)
	require.Equal(t, model.JobFailed, j.Status)
	require.NotNil(t, j.ExitCode)
	require.Equal(t, 7, *j.ExitCode)
	require.FileExists(t, filepath.Join(j.ArtifactPath, runner.StdoutFile))
	require.Eventually(t, func() bool { return d.countFor(j.ID) == 1 }, time.Second, 5*time.Millisecond)
}

func TestScenarioMissingProgram(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no-such-eval")
	o, d := scenarioOrchestrator(t, 1, 30*time.Second, missing)

	start := time.Now()
	j := wait(t, o, submitRun(t, o, "1", "0").ID)
	require.Less(t, time.Since(start), 5*time.Second)

	require.Equal(t, model.JobFailed, j.Status)
	require.NotEmpty(t, j.ErrorDetail)
	require.Contains(t, j.ErrorDetail, runner.ErrLaunchFailed.Error())
	require.Nil(t, j.ExitCode)
	require.Empty(t, j.ReportURL)

	require.Eventually(t, func() bool { return d.countFor(j.ID) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, d.total())
}

func TestScenarioTimeoutFidelity(t *testing.T) {
	timeout := 400 * time.Millisecond
	o, d := scenarioOrchestrator(t, 1, timeout, evalScript(t))

	j := wait(t, o, submitRun(t, o, "30", "0").ID)
	require.Equal(t, model.JobTimedOut, j.Status)
	require.Nil(t, j.ExitCode)
	require.NotEmpty(t, j.ErrorDetail)

	elapsed := j.EndTime.Sub(*j.StartTime)
	require.GreaterOrEqual(t, elapsed, timeout, "timed out early")
	require.Less(t, elapsed, timeout+3*time.Second, "timed out late")
	require.Eventually(t, func() bool { return d.countFor(j.ID) == 1 }, time.Second, 5*time.Millisecond)
}

func TestScenarioCancelRunningKillsProcess(t *testing.T) {
	o, d := scenarioOrchestrator(t, 1, time.Minute, evalScript(t))

	running := submitRun(t, o, "30", "0")
	queued := submitRun(t, o, "0", "0")
	requireStatus(t, o, running.ID, model.JobRunning)

	_, err := o.Cancel(context.Background(), running.ID)
	require.NoError(t, err)

	start := time.Now()
	j := wait(t, o, running.ID)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, model.JobCancelled, j.Status)
	require.Nil(t, j.ExitCode)

	require.Equal(t, model.JobSucceeded, wait(t, o, queued.ID).Status)
	require.Eventually(t, func() bool { return d.total() == 2 }, time.Second, 5*time.Millisecond)
}
