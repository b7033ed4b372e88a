package tracker

import "time"

// RequestSweep marks a tracked command for kill escalation on the next
// ticks (spec §4.5 "Kill escalation": "mark shouldDie=now"). skipSigint
// lets a profile opt a command out of the first, gentlest step.
func (t *Tracker) RequestSweep(cid int64, now time.Time, skipSigint bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tc, ok := t.cmds[cid]
	if !ok {
		return false
	}
	tc.cmd.Inv.ShouldDie = now.Unix()
	if skipSigint {
		tc.killStage = 1 // pretend SIGINT already happened; next tick sends SIGTERM
	}
	return true
}

// driveKill advances the three-stage escalation ladder: SIGINT, then
// SIGTERM (+mustDie), then SIGKILL to the process group, each gated by
// escalateDelay since the previous step (spec §4.5).
func (t *Tracker) driveKill(tc *trackedCmd, now time.Time) {
	c := tc.cmd
	if c.Inv.ShouldDie == 0 || tc.proc == nil {
		return
	}
	if c.Inv.ExitCode != nil {
		return // already reaped; nothing left to signal
	}

	deadline := time.Unix(c.Inv.ShouldDie, 0).Add(time.Duration(tc.killStage+1) * escalateDelay)
	if now.Before(deadline) {
		return
	}

	switch tc.killStage {
	case 0:
		t.logger.Info("kill sweep: sending SIGINT", "cid", c.CID, "pid", c.Inv.PID)
		_ = tc.proc.Signal(signalInterrupt)
		tc.killStage = 1
	case 1:
		t.logger.Info("kill sweep: sending SIGTERM", "cid", c.CID, "pid", c.Inv.PID)
		c.Inv.MustDie = true
		_ = tc.proc.Signal(signalTerminate)
		tc.killStage = 2
	default:
		t.logger.Info("kill sweep: sending SIGKILL", "cid", c.CID, "pid", c.Inv.PID)
		_ = tc.proc.Signal(signalKill)
		tc.killStage = 3
	}
}
