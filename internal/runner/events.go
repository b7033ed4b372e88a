package runner

import (
	"context"
	"time"

	"github.com/tractor-project/blade/internal/enginerpc"
	"github.com/tractor-project/blade/internal/model"
)

// eventKind tags the union carried on Runner.eventCh. Every goroutine the
// Runner spawns -- RPC workers, the HTTP listener, the Tracker's exit/
// bulletin callbacks -- reports back through one of these instead of
// touching Runner fields directly, keeping state mutation single-
// threaded (spec §5).
type eventKind int

const (
	eventTick eventKind = iota
	eventNextCmdReply
	eventExitReportReply
	eventProfileRefreshed
	eventCmdExited
	eventBulletin
	eventHTTPRequest
	eventShutdown
	eventUpdateStaged
)

// event is the tagged union itself; only the fields relevant to Kind are
// populated.
type event struct {
	kind eventKind

	reply  enginerpc.Reply
	rpcErr error

	cmd *model.Command

	httpReq *httpRequest

	updatePath string
}

// Loop drains eventCh until ctx is cancelled, dispatching each event to
// its handler. This is the Runner's single state-mutating goroutine;
// everything else (tick timer, RPC workers, the listener) only ever
// produces events, never touches Runner fields.
func (r *Runner) Loop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.tick(ctx, now)
		case ev := <-r.eventCh:
			r.dispatch(ctx, ev)
		}
		if r.runState != model.RunNormal && r.drainComplete() {
			return
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, ev event) {
	switch ev.kind {
	case eventNextCmdReply:
		r.handleNextCmdReply(ev.reply, ev.rpcErr)
	case eventExitReportReply:
		r.handleExitReportReply(ev.cmd, ev.reply, ev.rpcErr)
	case eventProfileRefreshed:
		if ev.rpcErr != nil {
			r.logger.Warn("profile refresh failed", "err", ev.rpcErr)
		}
	case eventCmdExited:
		if ev.cmd.Inv.ExitCode != nil && *ev.cmd.Inv.ExitCode != 0 {
			r.errThrottle.Record(time.Now(), ev.cmd.JID, ev.cmd.CID, r.currentProfile())
		}
		r.drainFinishedCommands()
	case eventHTTPRequest:
		r.handleHTTPRequest(ctx, ev.httpReq)
	case eventShutdown:
		r.beginDrain()
	case eventUpdateStaged:
		r.applyUpdateStaged(ev.updatePath)
	}
}
