package runner

import (
	"os"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tractor-project/blade/internal/model"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	cfg := Config{
		EngineHost: "tractor-engine",
		EnginePort: 80,
		HName:      "bladehost01.site.com",
		AppTempDir: t.TempDir(),
	}
	return New(cfg, hclog.NewNullLogger())
}

func TestCheckpointPathShape(t *testing.T) {
	r := newTestRunner(t)
	path := r.checkpointPath()
	assert.Contains(t, path, "Pixar")
	assert.Contains(t, path, "TractorBlade")
	assert.Contains(t, path, "chkpt.tractor-engine_80.bladehost01.json")
}

func TestShortHost(t *testing.T) {
	assert.Equal(t, "bladehost01", shortHost("bladehost01.site.com"))
	assert.Equal(t, "bladehost01", shortHost("bladehost01"))
}

func TestCheckpointSaveLoadRoundTrip(t *testing.T) {
	r := newTestRunner(t)
	r.nimbyOverride = "alice"
	c := &model.Command{JID: 1, TID: 1, CID: 42, State: model.StateRunning}
	r.track.Add(c)

	r.saveCheckpoint()

	r2 := newTestRunner(t)
	r2.cfg.AppTempDir = r.cfg.AppTempDir
	r2.LoadCheckpoint()

	assert.Equal(t, "alice", r2.nimbyOverride)
	require.Len(t, r2.delayedReports, 1)
	recovered := r2.delayedReports[0]
	assert.Equal(t, int64(42), recovered.CID)
	assert.True(t, recovered.Inv.OrphanedByRestart)
	require.NotNil(t, recovered.Inv.ExitCode)
	assert.Equal(t, 1, *recovered.Inv.ExitCode)
	assert.Equal(t, model.StateExiting, recovered.State)
}

func TestCheckpointSkipWhenConfigured(t *testing.T) {
	r := newTestRunner(t)
	r.cfg.SkipCheckpoint = true
	r.track.Add(&model.Command{JID: 1, TID: 1, CID: 1})
	r.saveCheckpoint()

	_, err := os.Stat(r.checkpointPath())
	assert.Error(t, err, "no checkpoint file should be written when SkipCheckpoint is set")
}

func TestFinalizeOrphanPreservesExistingExitCode(t *testing.T) {
	r := newTestRunner(t)
	code := 7
	c := &model.Command{JID: 1, TID: 1, CID: 1, Inv: model.InvocationState{ExitCode: &code}}
	r.finalizeOrphan(c)
	require.NotNil(t, c.Inv.ExitCode)
	assert.Equal(t, 7, *c.Inv.ExitCode, "an existing exit code must not be clobbered")
	assert.True(t, c.Inv.OrphanedByRestart)
}
