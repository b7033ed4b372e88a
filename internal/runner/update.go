package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tractor-project/blade/internal/model"
)

// checkAutoUpdate implements spec §4.6's auto-update trigger: a
// VersionPin mismatch on the active profile schedules a jittered fetch
// of the pinned build, then transitions to drain_restart once the new
// binary is staged.
func (r *Runner) checkAutoUpdate(ctx context.Context) {
	if r.cfg.NoAutoUpdate {
		return
	}
	p := r.currentProfile()
	if p == nil || p.VersionPin == "" || p.VersionPin == r.cfg.Version {
		return
	}
	if r.runState != model.RunNormal {
		return
	}
	go r.fetchUpdate(ctx, p.VersionPin)
}

func (r *Runner) fetchUpdate(ctx context.Context, version string) {
	delay := jitterSleep(5 * time.Second)
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	verb := fmt.Sprintf("config?q=get&file=tractor-blade-%s.pyz", version)
	reply, err := r.rpc.Transaction(ctx, verb, "", nil)
	if err != nil || reply.ErrCode != 0 {
		r.logger.Warn("auto-update fetch failed", "version", version, "err", err)
		return
	}
	raw, ok := reply.Body["raw"].(string)
	if !ok {
		r.logger.Warn("auto-update reply missing payload", "version", version)
		return
	}

	dest := filepath.Join(r.appTempDir(), fmt.Sprintf("tractor-blade-%s", version))
	if err := os.WriteFile(dest, []byte(raw), 0o755); err != nil {
		r.logger.Warn("auto-update write failed", "err", err)
		return
	}

	r.eventCh <- event{kind: eventUpdateStaged, updatePath: dest}
}

// applyUpdateStaged runs on the main loop: it is the only place
// reExecArgs/runState are mutated for the auto-update path, keeping
// Runner state single-threaded even though the download itself ran on a
// background goroutine (spec §5).
func (r *Runner) applyUpdateStaged(path string) {
	r.reExecArgs = append([]string{path}, os.Args[1:]...)
	r.runState = model.RunDrainRestart
	r.logger.Info("auto-update staged, draining for restart", "path", path)
}
