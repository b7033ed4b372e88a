package tracker

import "github.com/tractor-project/blade/internal/model"

// MarkReported transitions a command to Reported once the engine has
// accepted its exitcode form (spec §4.5: "destroyed only after its exit
// report is accepted").
func (t *Tracker) MarkReported(cid int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tc, ok := t.cmds[cid]; ok {
		tc.cmd.State = model.StateReported
	}
}

// Remove deletes a command from tracking (spec §4.5 terminal Deleted
// state), called once its report has been accepted or permanently
// abandoned (the -91 "stop retrying" sentinel).
func (t *Tracker) Remove(cid int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cmds, cid)
}

// Resume re-launches a Yielded command as its next revision, clearing
// the invocation state for the new attempt (spec §4.5's resumable-
// command path).
func (t *Tracker) Resume(cid int64) (*model.Command, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tc, ok := t.cmds[cid]
	if !ok || tc.cmd.State != model.StateYielded {
		return nil, false
	}
	tc.cmd.Rev++
	tc.cmd.Inv = model.InvocationState{Progress: model.ProgressActive}
	tc.cmd.State = model.StateReceived
	tc.proc = nil
	tc.killStage = 0
	return tc.cmd, true
}
