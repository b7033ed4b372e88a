package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tractor-project/blade/internal/model"
)

func TestClampBackoffEnforcesBounds(t *testing.T) {
	r := newTestRunner(t)
	r.cfg.MinSleep = 2 * time.Second
	r.cfg.MaxSleep = 10 * time.Second

	r.backoff = 0
	r.clampBackoff()
	assert.Equal(t, 2*time.Second, r.backoff)

	r.backoff = 1 * time.Hour
	r.clampBackoff()
	assert.Equal(t, 10*time.Second, r.backoff)
}

func TestClampBackoffFallsBackToDefaults(t *testing.T) {
	r := newTestRunner(t)
	r.backoff = 0
	r.clampBackoff()
	assert.Equal(t, defaultMinSleep, r.backoff)
}

func TestSlotsAvailableUsesBuiltinFallbackUntilFirstFetch(t *testing.T) {
	r := newTestRunner(t)
	// the Manager installs a conservative MaxSlots=1 fallback before any
	// fetch succeeds (see internal/profile's builtinFallback).
	assert.Equal(t, 1, r.slotsAvailable())
}

func TestSlotsAvailablePrefersCLIOverride(t *testing.T) {
	r := newTestRunner(t)
	r.cfg.Slots = 2
	r.slotsInUse = 1
	assert.Equal(t, 1, r.slotsAvailable())
}

func TestBladeHostNameDefaultsToProbedHostname(t *testing.T) {
	r := newTestRunner(t)
	r.cfg.HName = "."
	r.facts.Hostname = "probed01"
	assert.Equal(t, "probed01", r.bladeHostName())
}

func TestBladeHostNameOverride(t *testing.T) {
	r := newTestRunner(t)
	r.cfg.HName = "custom-name"
	r.facts.Hostname = "probed01"
	assert.Equal(t, "custom-name", r.bladeHostName())
}

func TestDrainCompleteRequiresEmptyState(t *testing.T) {
	r := newTestRunner(t)
	assert.True(t, r.drainComplete())

	r.slotsInUse = 1
	assert.False(t, r.drainComplete())
	r.slotsInUse = 0

	r.delayedReports = append(r.delayedReports, &model.Command{CID: 1})
	assert.False(t, r.drainComplete())
}

func TestBeginDrainOnlyMovesFromNormal(t *testing.T) {
	r := newTestRunner(t)
	r.beginDrain()
	assert.Equal(t, model.RunShutdown, r.runState)

	r.runState = model.RunDrainExit
	r.beginDrain()
	assert.Equal(t, model.RunDrainExit, r.runState, "beginDrain must not override an already-draining state")
}

func TestJitterSleepStaysWithinDoubleBase(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 20; i++ {
		d := jitterSleep(base)
		assert.True(t, d >= base && d < 2*base, "jitterSleep(%v) = %v out of range", base, d)
	}
}
