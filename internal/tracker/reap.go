package tracker

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tractor-project/blade/internal/model"
)

// checkpointToken is the literal string a named checkpoint file must
// contain for the yieldtest "file" form to match (spec §4.5 rule 2).
const checkpointToken = "checkpoint"

// reap applies the spec §4.5 exit-reaping override chain once a
// subprocess has actually exited, and transitions the command onward
// (Yielded for a resumed command, otherwise Exiting so the kill ladder's
// state doesn't race a command that already finished). Returns true if
// an exit was collected this call.
func (t *Tracker) reap(tc *trackedCmd) bool {
	if tc.proc == nil {
		return false
	}
	exited, rawCode, userSec, sysSec, maxRSS := tc.proc.TryWait()
	if !exited {
		return false
	}

	c := tc.cmd
	c.Inv.ElapsedUser = userSec
	c.Inv.ElapsedSys = sysSec
	c.Inv.MaxRSS = maxRSS
	if c.Inv.LaunchTime != 0 {
		c.Inv.ElapsedReal = time.Since(time.Unix(c.Inv.LaunchTime, 0)).Seconds()
	}

	code := rawCode
	if c.Inv.ShouldDie != 0 {
		// the process was killed by our own escalation ladder: rawCode
		// is already the negative signal number on POSIX (see
		// exitCodeFromError), matching spec.md's "exitcode=-9" convention.
		c.Inv.WasSwept = true
	}

	// rule 1: an explicit override (EXIT_STATUS line from output, or a
	// runtime-bound violation already detected mid-flight) wins outright.
	if c.Inv.ExitCode != nil {
		code = *c.Inv.ExitCode
	} else if matchesYieldTest(c, code) {
		// rule 2
		code = 0
		c.Inv.YieldChkpt = true
	} else if code == 0 && c.RuntimeBounds.Min > 0 && c.Inv.ElapsedReal < c.RuntimeBounds.Min {
		// rule 3
		code = model.ExitMinRuntimeViol
	} else if code == 0 && c.ExpandFile != "" {
		// rule 4
		if err := t.deliverExpandChunk(c); err != nil {
			t.logger.Warn("expand chunk delivery failed", "cid", c.CID, "err", err)
			code = model.ExitExpandDelivery
		}
	}

	c.Inv.ExitCode = &code
	c.Inv.Progress = terminalProgress(code)
	if c.Inv.YieldChkpt {
		c.State = model.StateYielded
	} else {
		c.State = model.StateExiting
	}

	t.logger.Info("command exited", "cid", c.CID, "code", code, "swept", c.Inv.WasSwept, "elapsed", c.Inv.ElapsedReal)
	if t.onExitReport != nil {
		t.onExitReport(c)
	}
	return true
}

func terminalProgress(code int) model.Progress {
	if code == 0 {
		return model.ProgressDone
	}
	return model.ProgressError
}

// matchesYieldTest implements spec §4.5 rule 2's two forms: a sentinel
// exit code, or a checkpoint file containing the literal token
// "checkpoint".
func matchesYieldTest(c *model.Command, code int) bool {
	if c.YieldTest == nil {
		return false
	}
	if c.YieldTest.SentinelExitCode != 0 && code == c.YieldTest.SentinelExitCode {
		return true
	}
	if c.YieldTest.CheckpointFile == "" {
		return false
	}
	data, err := os.ReadFile(c.YieldTest.CheckpointFile)
	if err != nil {
		return false
	}
	return strings.Contains(string(data), checkpointToken)
}

// deliverExpandChunk reads the expand-chunk file and hands it off via
// the engine-POST callback set on the Tracker (internal/runner wires
// this to a `spool?expanded=1` Transaction since the Tracker itself
// holds no enginerpc.Client reference).
func (t *Tracker) deliverExpandChunk(c *model.Command) error {
	data, err := os.ReadFile(c.ExpandFile)
	if err != nil {
		return fmt.Errorf("read expand file: %w", err)
	}
	if t.deliverExpand == nil {
		return fmt.Errorf("no expand delivery callback configured")
	}
	return t.deliverExpand(c, data)
}
