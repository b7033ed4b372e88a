package tracker

import (
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tractor-project/blade/internal/envpipe"
	"github.com/tractor-project/blade/internal/model"
)

func testLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

func newTestCmd(cid int64, argv []string) *model.Command {
	return &model.Command{
		JID: 1, TID: 1, CID: cid, Rev: 0,
		Argv:  argv,
		Login: "",
	}
}

func TestLaunchAndReapHappyPath(t *testing.T) {
	var reported *model.Command
	tr := New(testLogger(), envpipe.New(), func(c *model.Command) { reported = c }, nil)

	cmd := newTestCmd(5, []string{"/bin/echo", "hello"})
	tr.Add(cmd)
	require.NoError(t, tr.Launch(cmd, "engine:80", "engine:80", "blade01", nil))
	assert.Equal(t, model.StateRunning, cmd.State)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tr.Tick(time.Now())
		if cmd.State != model.StateRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, model.StateExiting, cmd.State)
	require.NotNil(t, cmd.Inv.ExitCode)
	assert.Equal(t, 0, *cmd.Inv.ExitCode)
	assert.Equal(t, model.ProgressDone, cmd.Inv.Progress)
	require.NotNil(t, reported)
	assert.Equal(t, int64(5), reported.CID)
}

func TestKillEscalationLadder(t *testing.T) {
	tr := New(testLogger(), envpipe.New(), nil, nil)
	cmd := newTestCmd(7, []string{"/bin/sleep", "600"})
	tr.Add(cmd)
	require.NoError(t, tr.Launch(cmd, "engine:80", "engine:80", "blade01", nil))

	t0 := time.Now()
	require.True(t, tr.RequestSweep(7, t0, false))

	tr.Tick(t0.Add(1 * time.Millisecond))
	tc := tr.cmds[7]
	assert.Equal(t, 0, tc.killStage, "escalateDelay hasn't elapsed yet")

	tr.Tick(t0.Add(escalateDelay + time.Millisecond))
	assert.Equal(t, 1, tc.killStage, "SIGINT sent")

	tr.Tick(t0.Add(2*escalateDelay + time.Millisecond))
	assert.Equal(t, 2, tc.killStage, "SIGTERM sent")
	assert.True(t, cmd.Inv.MustDie)

	tr.Tick(t0.Add(3*escalateDelay + time.Millisecond))
	assert.Equal(t, 3, tc.killStage, "SIGKILL sent")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tr.Tick(time.Now())
		if cmd.Inv.ExitCode != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, cmd.Inv.ExitCode)
	assert.True(t, cmd.Inv.WasSwept)
}

func TestMatchesYieldTestSentinelExitCode(t *testing.T) {
	cmd := newTestCmd(1, nil)
	cmd.YieldTest = &model.YieldTest{SentinelExitCode: 99}
	assert.True(t, matchesYieldTest(cmd, 99))
	assert.False(t, matchesYieldTest(cmd, 1))
}

func TestMatchesYieldTestCheckpointFile(t *testing.T) {
	f := t.TempDir() + "/chkpt.txt"
	require.NoError(t, os.WriteFile(f, []byte("resume: checkpoint\n"), 0644))
	cmd := newTestCmd(1, nil)
	cmd.YieldTest = &model.YieldTest{CheckpointFile: f}
	assert.True(t, matchesYieldTest(cmd, 1))
}

func TestReapMinRuntimeViolation(t *testing.T) {
	tr := New(testLogger(), envpipe.New(), nil, nil)
	cmd := newTestCmd(9, []string{"/bin/echo", "fast"})
	cmd.RuntimeBounds.Min = 60 // far longer than echo actually takes
	tr.Add(cmd)
	require.NoError(t, tr.Launch(cmd, "e", "m", "blade01", nil))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tr.Tick(time.Now())
		if cmd.Inv.ExitCode != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, cmd.Inv.ExitCode)
	assert.Equal(t, model.ExitMinRuntimeViol, *cmd.Inv.ExitCode)
}

func TestResumeClearsInvocationState(t *testing.T) {
	tr := New(testLogger(), envpipe.New(), nil, nil)
	cmd := newTestCmd(3, []string{"/bin/echo", "x"})
	tr.Add(cmd)
	cmd.State = model.StateYielded
	cmd.Inv.PID = 1234

	next, ok := tr.Resume(3)
	require.True(t, ok)
	assert.Equal(t, int64(1), next.Rev)
	assert.Equal(t, 0, next.Inv.PID)
	assert.Equal(t, model.StateReceived, next.State)
}
