package runner

import (
	"fmt"
	"time"

	"github.com/tractor-project/blade/internal/model"
)

// SiteFilter is the pluggable readiness hook loaded from a profile's
// SiteModulesPath (spec §4.6): FilterState may mutate the snapshot
// before the basic/dynamic checks run, TestState can veto readiness
// outright. A filter that panics degrades to "not ready" for that tick
// only (spec §5 "Failure isolation"), never crashes the Runner.
type SiteFilter interface {
	FilterState(snap *model.Snapshot)
	TestState(snap model.Snapshot) (ok bool, excuse string)
}

// buildSnapshot assembles the immutable state view handed to the
// readiness filter and to status reporting (spec §4.6, model.Snapshot).
func (r *Runner) buildSnapshot(metrics model.HostMetrics) model.Snapshot {
	p := r.currentProfile()
	return model.Snapshot{
		Facts:              r.facts,
		Metrics:            metrics,
		Profile:            p,
		SlotsInUse:         r.slotsInUse,
		SlotsAvailable:     r.slotsAvailable(),
		ActiveCmdCount:     len(r.track.Active()),
		DelayedReportCount: len(r.delayedReports),
		ExcludeTracking:    r.exclusiveKeysHeld(),
		SvckeyTally:        r.svckeyTally(),
		RunState:           r.runState,
		NimbyOverride:      r.nimbyOverride,
		Excuse:             r.excuse,
		ListenPort:         r.cfg.ListenPort,
	}
}

// evaluateReadiness runs the two-phase check from spec §4.6.2: basic
// (cheap, static) then dynamic (live metrics), short-circuiting on the
// first failure so the expensive sampling step only runs when needed.
func (r *Runner) evaluateReadiness(snap model.Snapshot) (ok bool, excuse string) {
	if ok, excuse := basicReadiness(snap); !ok {
		return false, excuse
	}
	return dynamicReadiness(snap)
}

func basicReadiness(snap model.Snapshot) (bool, string) {
	if snap.Profile == nil {
		return false, "no profile"
	}
	if snap.NimbyOverride == "1" || (snap.NimbyOverride != "" && snap.NimbyOverride != "0") {
		return false, "nimby active"
	}
	if !snap.Profile.InService {
		return false, "profile not in service"
	}
	for k := range snap.Profile.ExclusiveKeys {
		if snap.ExcludeTracking[k] {
			return false, fmt.Sprintf("exclusive key %q held", k)
		}
	}
	if snap.SlotsAvailable <= 0 {
		return false, "no slots available"
	}
	if snap.RunState != model.RunNormal {
		return false, fmt.Sprintf("draining (%s)", snap.RunState)
	}
	if len(snap.AdvertisedSvckeys()) == 0 && len(snap.Profile.ServiceKeys) > 0 {
		return false, "all service keys saturated"
	}
	return true, ""
}

func dynamicReadiness(snap model.Snapshot) (bool, string) {
	p := snap.Profile
	if p.MaxLoad > 0 && snap.Metrics.CPULoad > p.MaxLoad {
		return false, fmt.Sprintf("cpu load %.2f exceeds maxload %.2f", snap.Metrics.CPULoad, p.MaxLoad)
	}
	if p.MinRAM > 0 && snap.Metrics.FreeRAM < p.MinRAM {
		return false, fmt.Sprintf("free RAM %.1fGB below minram %.1fGB", snap.Metrics.FreeRAM, p.MinRAM)
	}
	if p.MinDisk > 0 && snap.Metrics.FreeDisk < p.MinDisk {
		return false, fmt.Sprintf("free disk %.1fGB below mindisk %.1fGB", snap.Metrics.FreeDisk, p.MinDisk)
	}
	return true, ""
}

// applySiteFilter wraps evaluateReadiness with the optional SiteFilter,
// restoring the pre-filter snapshot on any panic so one misbehaving
// site module degrades to "not ready" instead of taking the Runner down
// (spec §5 "Any exception during a site filter call degrades to 'not
// ready'").
func (r *Runner) applySiteFilter(site SiteFilter, snap model.Snapshot) (ok bool, excuse string) {
	if site == nil {
		return r.evaluateReadiness(snap)
	}
	backup := snap
	defer func() {
		if rec := recover(); rec != nil {
			snap = backup
			ok, excuse = false, fmt.Sprintf("site filter panic: %v", rec)
		}
	}()
	site.FilterState(&snap)
	if filterOK, filterExcuse := site.TestState(snap); !filterOK {
		return false, filterExcuse
	}
	return r.evaluateReadiness(snap)
}

func (r *Runner) exclusiveKeysHeld() map[string]bool {
	held := map[string]bool{}
	p := r.currentProfile()
	if p == nil {
		return held
	}
	for _, c := range r.track.Active() {
		for _, k := range c.SvcKey {
			if p.ExclusiveKeys[k] {
				held[k] = true
			}
		}
	}
	return held
}

func (r *Runner) svckeyTally() map[string]int {
	tally := map[string]int{}
	for _, c := range r.track.Active() {
		for _, k := range c.SvcKey {
			tally[k]++
		}
	}
	return tally
}

// checkErrorThrottle applies spec §4.6's error-throttle gate on top of
// the regular readiness chain.
func (r *Runner) checkErrorThrottle(now time.Time) (ok bool, excuse string) {
	p := r.currentProfile()
	if r.errThrottle.AutoNimbyTriggered(now, p) {
		r.nimbyOverride = "too_many_errors"
		return false, "auto-nimby: too many recent errors"
	}
	if r.errThrottle.HiatusActive(now) {
		return false, "error hiatus active"
	}
	return true, ""
}
