package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tractor-project/blade/internal/model"
)

// checkpointDoc is the on-disk shape written after every activeCmds/
// delayedReports mutation (spec §6.5, §4.6 "persist checkpoint").
type checkpointDoc struct {
	CmdCheckpoint []*model.Command `json:"CmdCheckpoint"`
	Nimby         string           `json:"nimby"`
}

// checkpointPath resolves <appTempDir>/Pixar/TractorBlade/chkpt.<engine_
// port>.<host>.json exactly as spec §6.5 names it.
func (r *Runner) checkpointPath() string {
	host := r.bladeHostName()
	if host == "" {
		host = "unknown"
	}
	name := fmt.Sprintf("chkpt.%s_%d.%s.json", r.cfg.EngineHost, r.cfg.EnginePort, shortHost(host))
	return filepath.Join(r.appTempDir(), "Pixar", "TractorBlade", name)
}

func shortHost(h string) string {
	for i := 0; i < len(h); i++ {
		if h[i] == '.' {
			return h[:i]
		}
	}
	return h
}

// saveCheckpoint atomically persists the active command set via a temp-
// file-then-rename write (spec §4.6, §8.2 round-trip property), so a
// crash mid-write never corrupts the previous checkpoint.
func (r *Runner) saveCheckpoint() {
	if r.cfg.SkipCheckpoint {
		return
	}
	doc := checkpointDoc{
		CmdCheckpoint: r.track.Active(),
		Nimby:         r.nimbyOverride,
	}
	path := r.checkpointPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.logger.Warn("checkpoint mkdir failed", "err", err)
		return
	}
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		r.logger.Warn("checkpoint marshal failed", "err", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		r.logger.Warn("checkpoint write failed", "err", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		r.logger.Warn("checkpoint rename failed", "err", err)
	}
}

// LoadCheckpoint recovers a prior run's checkpoint, if any, before the
// first engine contact (spec §4.6 "startup recovery"). Recovered
// commands carry no live process handle; they are re-tracked in
// StateExiting with exitcode unset so the first successful profile
// acquisition finalizes them as orphaned (spec's "active cmd orphaned by
// blade restart" note).
func (r *Runner) LoadCheckpoint() {
	if r.cfg.SkipCheckpoint {
		return
	}
	path := r.checkpointPath()
	buf, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var doc checkpointDoc
	if err := json.Unmarshal(buf, &doc); err != nil {
		r.logger.Warn("checkpoint corrupt, ignoring", "path", path, "err", err)
		return
	}
	r.nimbyOverride = doc.Nimby
	for _, c := range doc.CmdCheckpoint {
		r.finalizeOrphan(c)
	}
}

// finalizeOrphan marks a recovered command as finished with exitcode=1,
// the engine-visible signal that this attempt died when the blade
// process itself restarted (spec §4.6).
func (r *Runner) finalizeOrphan(c *model.Command) {
	if c.Inv.ExitCode == nil {
		code := 1
		c.Inv.ExitCode = &code
	}
	c.Inv.OrphanedByRestart = true
	c.Inv.Progress = model.ProgressError
	c.State = model.StateExiting
	r.track.Add(c)
	r.delayedReports = append(r.delayedReports, c)
}
