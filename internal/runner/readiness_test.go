package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tractor-project/blade/internal/model"
)

func baseProfile() *model.Profile {
	return &model.Profile{
		Name:        "test",
		InService:   true,
		MaxSlots:    4,
		MaxLoad:     0.9,
		MinRAM:      1,
		MinDisk:     1,
		ServiceKeys: []string{"render"},
	}
}

func TestBasicReadinessRejectsOutOfService(t *testing.T) {
	p := baseProfile()
	p.InService = false
	snap := model.Snapshot{Profile: p, SlotsAvailable: 1, RunState: model.RunNormal}
	ok, excuse := basicReadiness(snap)
	assert.False(t, ok)
	assert.Contains(t, excuse, "not in service")
}

func TestBasicReadinessRejectsNoSlots(t *testing.T) {
	snap := model.Snapshot{Profile: baseProfile(), SlotsAvailable: 0, RunState: model.RunNormal}
	ok, _ := basicReadiness(snap)
	assert.False(t, ok)
}

func TestBasicReadinessRejectsExclusiveKeyHeld(t *testing.T) {
	p := baseProfile()
	p.ExclusiveKeys = map[string]bool{"Xrestrict": true}
	snap := model.Snapshot{
		Profile:         p,
		SlotsAvailable:  1,
		RunState:        model.RunNormal,
		ExcludeTracking: map[string]bool{"Xrestrict": true},
	}
	ok, excuse := basicReadiness(snap)
	assert.False(t, ok)
	assert.Contains(t, excuse, "Xrestrict")
}

func TestBasicReadinessRejectsDrainState(t *testing.T) {
	snap := model.Snapshot{Profile: baseProfile(), SlotsAvailable: 1, RunState: model.RunDrainExit}
	ok, _ := basicReadiness(snap)
	assert.False(t, ok)
}

func TestBasicReadinessRejectsSaturatedServiceKeys(t *testing.T) {
	p := baseProfile()
	p.CountedKeys = map[string]int{"render": 1}
	snap := model.Snapshot{
		Profile:        p,
		SlotsAvailable: 1,
		RunState:       model.RunNormal,
		SvckeyTally:    map[string]int{"render": 1},
	}
	ok, excuse := basicReadiness(snap)
	assert.False(t, ok)
	assert.Contains(t, excuse, "saturated")
}

func TestBasicReadinessAccepts(t *testing.T) {
	snap := model.Snapshot{Profile: baseProfile(), SlotsAvailable: 1, RunState: model.RunNormal}
	ok, excuse := basicReadiness(snap)
	assert.True(t, ok, excuse)
}

func TestDynamicReadinessRejectsOverLoad(t *testing.T) {
	snap := model.Snapshot{
		Profile: baseProfile(),
		Metrics: model.HostMetrics{CPULoad: 0.95, FreeRAM: 10, FreeDisk: 10},
	}
	ok, excuse := dynamicReadiness(snap)
	assert.False(t, ok)
	assert.Contains(t, excuse, "cpu load")
}

func TestDynamicReadinessRejectsLowRAM(t *testing.T) {
	snap := model.Snapshot{
		Profile: baseProfile(),
		Metrics: model.HostMetrics{CPULoad: 0.1, FreeRAM: 0.1, FreeDisk: 10},
	}
	ok, excuse := dynamicReadiness(snap)
	assert.False(t, ok)
	assert.Contains(t, excuse, "RAM")
}

func TestDynamicReadinessRejectsLowDisk(t *testing.T) {
	snap := model.Snapshot{
		Profile: baseProfile(),
		Metrics: model.HostMetrics{CPULoad: 0.1, FreeRAM: 10, FreeDisk: 0.1},
	}
	ok, excuse := dynamicReadiness(snap)
	assert.False(t, ok)
	assert.Contains(t, excuse, "disk")
}

func TestApplySiteFilterRecoversFromPanic(t *testing.T) {
	r := &Runner{}
	site := panicFilter{}
	snap := model.Snapshot{Profile: baseProfile(), SlotsAvailable: 1, RunState: model.RunNormal}
	ok, excuse := r.applySiteFilter(site, snap)
	assert.False(t, ok)
	assert.Contains(t, excuse, "panic")
}

type panicFilter struct{}

func (panicFilter) FilterState(snap *model.Snapshot) { panic("boom") }
func (panicFilter) TestState(snap model.Snapshot) (bool, string) { return true, "" }

func TestApplySiteFilterVetoesReadiness(t *testing.T) {
	r := &Runner{}
	site := vetoFilter{}
	snap := model.Snapshot{Profile: baseProfile(), SlotsAvailable: 1, RunState: model.RunNormal}
	ok, excuse := r.applySiteFilter(site, snap)
	assert.False(t, ok)
	assert.Equal(t, "site says no", excuse)
}

type vetoFilter struct{}

func (vetoFilter) FilterState(snap *model.Snapshot)             {}
func (vetoFilter) TestState(snap model.Snapshot) (bool, string) { return false, "site says no" }
