package runner

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/tractor-project/blade/internal/model"
)

// Run performs startup (supersede handoff, checkpoint recovery, static
// fact probing, listener bind) and then blocks running the event loop
// until ctx is cancelled or a clean/restart shutdown completes. This is
// the Runner's analogue of internal/orchestrator.Orchestrator.Run's
// context-derivation-then-goroutine-fan-out shape: signal handling is
// installed by the caller (cmd/blade) after ctx is derived, the same
// ordering orchestrator.Run uses to avoid a race between signal delivery
// and listener startup.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.Supersede {
		if err := r.supersede(ctx); err != nil {
			r.logger.Warn("supersede handoff incomplete, proceeding anyway", "err", err)
		}
	}

	facts, err := r.prober.StaticFacts()
	if err != nil {
		return fmt.Errorf("probe static facts: %w", err)
	}
	r.facts = facts

	// spec §8.3: --slots=0 resolves to the detected CPU count; --slots=-1
	// (and any other non-positive value) defers to the active profile's
	// MaxSlots, handled by slotsAvailable() leaving cfg.Slots<=0 alone.
	if r.cfg.Slots == 0 {
		r.cfg.Slots = facts.NCPUs
	}

	r.LoadCheckpoint()

	if err := r.startListener(); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	r.logger.Info("blade listening", "port", r.cfg.ListenPort, "engine", r.engineAddr())

	r.Loop(ctx)

	r.stopListener(context.Background())

	if r.runState == model.RunDrainRestart && len(r.reExecArgs) > 0 {
		return r.reExec()
	}
	return nil
}

// supersede implements spec §4.6: probe the existing blade's
// drain_exit endpoint, then poll ping every 10s until it stops
// responding, before this process binds the listener port itself.
func (r *Runner) supersede(ctx context.Context) error {
	base := fmt.Sprintf("http://127.0.0.1:%d/blade", r.cfg.ListenPort)
	client := &http.Client{Timeout: 5 * time.Second}

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, base+"/drain_exit", nil)
	resp, err := client.Do(req)
	if err != nil {
		return nil // nothing listening; nothing to supersede
	}
	resp.Body.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
		}
		preq, _ := http.NewRequestWithContext(ctx, http.MethodGet, base+"/ping", nil)
		presp, err := client.Do(preq)
		if err != nil {
			return nil // predecessor gone; safe to bind
		}
		presp.Body.Close()
	}
}

// reExec replaces the current process image with the staged update
// binary (POSIX execv; Windows has no equivalent so it starts a
// detached child and exits instead -- see DESIGN.md).
func (r *Runner) reExec() error {
	if execReplace != nil {
		return execReplace(r.reExecArgs[0], r.reExecArgs, os.Environ())
	}
	cmd := exec.Command(r.reExecArgs[0], r.reExecArgs[1:]...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	os.Exit(0)
	return nil
}

// execReplace is installed by run_unix.go's init to syscall.Exec; left
// nil on Windows, where reExec falls back to spawning a detached child
// and exiting (no execve equivalent).
var execReplace func(argv0 string, argv []string, envv []string) error

// beginDrain handles a shutdown event from eventCh (events.go) by
// moving to RunShutdown; the tick loop's drain check then waits for
// slotsInUse to reach zero before Loop returns.
func (r *Runner) beginDrain() {
	if r.runState == model.RunNormal {
		r.runState = model.RunShutdown
	}
}

// drainComplete reports whether a drain/shutdown state has reached its
// exit condition: no slots in use and no exit reports still pending
// (spec §4.6 "on the tick when slotsInUse==0 and no pending exit
// reports").
func (r *Runner) drainComplete() bool {
	return r.slotsInUse == 0 && len(r.delayedReports) == 0 && len(r.track.Active()) == 0
}
