package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/tractor-project/blade/internal/model"
	"github.com/tractor-project/blade/internal/tracker"
)

// siteFilterTimeout bounds how long a site module may run before its
// readiness opinion is discarded (spec §5 "Failure isolation" applies to
// a hung subprocess exactly as it does to a panicking in-process filter).
const siteFilterTimeout = 5 * time.Second

// siteFilterProc implements SiteFilter by invoking the external
// executable a profile names via SiteModulesPath (spec §4.3 apply step
// "(b) reload the site filter module from SiteModulesPath", and spec §9's
// own suggested subprocess-plugin boundary for untrusted site
// customization code -- the one place a blade running as root should not
// load arbitrary site code in-process). The current snapshot is marshaled
// to JSON on stdin; the subprocess must print a single JSON object
// {"ok":bool,"excuse":string} to stdout. FilterState is a no-op: mutating
// a snapshot by reference across a process boundary isn't meaningful, so
// all of the decision happens in TestState.
type siteFilterProc struct {
	path string
}

func (s *siteFilterProc) FilterState(snap *model.Snapshot) {}

func (s *siteFilterProc) TestState(snap model.Snapshot) (bool, string) {
	in, err := json.Marshal(siteFilterInput{
		Hostname:       snap.Facts.Hostname,
		SlotsAvailable: snap.SlotsAvailable,
		SlotsInUse:     snap.SlotsInUse,
		RunState:       snap.RunState.String(),
		NimbyOverride:  snap.NimbyOverride,
		CPULoad:        snap.Metrics.CPULoad,
		FreeRAM:        snap.Metrics.FreeRAM,
		FreeDisk:       snap.Metrics.FreeDisk,
	})
	if err != nil {
		return false, fmt.Sprintf("site filter encode error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), siteFilterTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.path)
	cmd.Stdin = bytes.NewReader(in)
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Sprintf("site filter exec error: %v", err)
	}

	var decision siteFilterDecision
	if err := json.Unmarshal(out, &decision); err != nil {
		return false, fmt.Sprintf("site filter decode error: %v", err)
	}
	return decision.OK, decision.Excuse
}

// siteFilterInput is the JSON shape handed to the site module on stdin;
// a deliberately small view of model.Snapshot rather than the whole
// struct, since an external plugin only needs the fields it would
// plausibly veto on.
type siteFilterInput struct {
	Hostname       string  `json:"hostname"`
	SlotsAvailable int     `json:"slots_available"`
	SlotsInUse     int     `json:"slots_in_use"`
	RunState       string  `json:"run_state"`
	NimbyOverride  string  `json:"nimby_override"`
	CPULoad        float64 `json:"cpu_load"`
	FreeRAM        float64 `json:"free_ram_gb"`
	FreeDisk       float64 `json:"free_disk_gb"`
}

type siteFilterDecision struct {
	OK     bool   `json:"ok"`
	Excuse string `json:"excuse"`
}

// loadSiteFilter resolves the active profile's SiteModulesPath, if any,
// verifying it the same way internal/tracker/resolve.go's
// VerifyPluginBinary guards handler binaries (owned by root,
// not world-writable) before trusting it enough to exec. Re-resolved on
// every call rather than cached across profile swaps: the check is two
// stat(2) calls, cheap next to a tick's 1s period, and this sidesteps
// invalidating a cached filter when a reload changes SiteModulesPath.
func (r *Runner) loadSiteFilter() SiteFilter {
	p := r.currentProfile()
	if p == nil || p.SiteModulesPath == "" {
		return nil
	}
	allowedDir := filepath.Dir(p.SiteModulesPath)
	if err := tracker.VerifyPluginBinary(p.SiteModulesPath, []string{allowedDir}); err != nil {
		r.logger.Warn("site filter binary rejected", "path", p.SiteModulesPath, "err", err)
		return nil
	}
	return &siteFilterProc{path: p.SiteModulesPath}
}
