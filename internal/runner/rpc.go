package runner

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tractor-project/blade/internal/enginerpc"
	"github.com/tractor-project/blade/internal/model"
)

// evaluateAndRequest is the second half of tick(): build a snapshot,
// run readiness, and if ready fire an async task?q=nextcmd worker (spec
// §4.6 "assemble a state snapshot and evaluate readiness").
func (r *Runner) evaluateAndRequest(ctx context.Context, now time.Time) {
	metrics, err := r.prober.Sample()
	if err != nil {
		r.logger.Warn("host sample failed", "err", err)
	}
	snap := r.buildSnapshot(metrics)

	if ok, excuse := r.checkErrorThrottle(now); !ok {
		r.excuse = excuse
		r.maybeHeartbeat(ctx, now, snap)
		return
	}

	ok, excuse := r.applySiteFilter(r.loadSiteFilter(), snap)
	r.excuse = excuse
	if !ok {
		r.maybeHeartbeat(ctx, now, snap)
		return
	}

	r.lastReqTime = now
	r.cmdReqPending = true
	svckeys := snap.AdvertisedSvckeys()

	go r.requestNextCommand(ctx, snap, svckeys)
}

// requestNextCommand runs the single outbound task?q=nextcmd RPC
// (spec §5: "exactly one outbound engine RPC task at a time"), posting
// its outcome back onto the event channel so all state mutation still
// happens on the main goroutine.
func (r *Runner) requestNextCommand(ctx context.Context, snap model.Snapshot, svckeys []string) {
	form := url.Values{}
	form.Set("q", "nextcmd")
	form.Set("svckey", strings.Join(svckeys, " "))
	form.Set("slots", fmt.Sprintf("%d", snap.SlotsAvailable))
	form.Set("hnm", r.bladeHostName())
	for k, v := range r.stateParams(snap) {
		form[k] = v
	}

	reply, err := r.rpc.Transaction(ctx, "task", form.Encode(), nil)
	r.eventCh <- event{kind: eventNextCmdReply, reply: reply, rpcErr: err}
}

// handleNextCmdReply processes the result of requestNextCommand on the
// main goroutine.
func (r *Runner) handleNextCmdReply(reply enginerpc.Reply, err error) {
	r.cmdReqPending = false
	if err != nil {
		r.logger.Info("nextcmd transport error", "err", err)
		r.backoff *= 2
		r.clampBackoff()
		return
	}
	if reply.ErrCode == 404 {
		return // no work offered; normal idle case
	}
	if reply.ErrCode == 412 {
		r.requestProfileRefresh()
		return
	}
	if reply.ErrCode != 0 {
		r.logger.Warn("nextcmd engine error", "code", reply.ErrCode)
		return
	}

	cmd := decodeCommand(reply.Body)
	if cmd == nil {
		return
	}
	cmd.ProfileAtLaunch = model.ResetProfileDetails(r.currentProfile())
	r.slotsInUse += cmd.Slots
	r.track.Add(cmd)
	dirmaps := r.currentProfile().DirMaps
	host := r.bladeHostName()
	if err := r.track.Launch(cmd, r.engineAddr(), r.engineAddr(), host, dirmaps); err != nil {
		r.logger.Error("launch failed", "cid", cmd.CID, "err", err)
	}
	r.saveCheckpoint()
}

func (r *Runner) engineAddr() string {
	return fmt.Sprintf("%s:%d", r.cfg.EngineHost, r.cfg.EnginePort)
}

// enqueueExitReport builds and sends a task?q=exitcode report, or moves
// the command to delayedReports on transport failure (spec §4.5 "Exit
// reporting").
func (r *Runner) enqueueExitReport(c *model.Command) {
	go r.sendExitReport(context.Background(), c)
}

func (r *Runner) sendExitReport(ctx context.Context, c *model.Command) {
	form := exitReportForm(c, r.bladeHostName())
	reply, err := r.rpc.Transaction(ctx, "task", form.Encode(), nil)
	r.eventCh <- event{kind: eventExitReportReply, cmd: c, reply: reply, rpcErr: err}
}

func exitReportForm(c *model.Command, host string) url.Values {
	form := url.Values{}
	form.Set("q", "exitcode")
	form.Set("owner", c.Login)
	form.Set("jid", fmt.Sprintf("%d", c.JID))
	form.Set("tid", fmt.Sprintf("%d", c.TID))
	form.Set("cid", fmt.Sprintf("%d", c.CID))
	form.Set("rev", fmt.Sprintf("%d", c.Rev))
	if c.Inv.ExitCode != nil {
		form.Set("rc", fmt.Sprintf("%d", *c.Inv.ExitCode))
	}
	form.Set("swept", boolFlag(c.Inv.WasSwept))
	form.Set("chkpt", boolFlag(c.Inv.YieldChkpt))
	form.Set("secs", fmt.Sprintf("%.3f", c.Inv.ElapsedReal))
	form.Set("tuser", fmt.Sprintf("%.3f", c.Inv.ElapsedUser))
	form.Set("tsys", fmt.Sprintf("%.3f", c.Inv.ElapsedSys))
	form.Set("maxrss", fmt.Sprintf("%d", c.Inv.MaxRSS))
	form.Set("maxvsz", fmt.Sprintf("%d", c.Inv.MaxVSZ))
	form.Set("maxcpu", fmt.Sprintf("%.2f", c.Inv.MaxCPU))
	return form
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// handleExitReportReply applies spec §4.5's "-91 stop retrying"
// sentinel and the delayedReports retry path.
func (r *Runner) handleExitReportReply(c *model.Command, reply enginerpc.Reply, err error) {
	if err != nil || reply.ErrCode != 0 {
		if reply.ErrCode == -91 {
			r.logger.Info("engine declined further exitcode retries", "cid", c.CID)
			r.finalizeReported(c)
			return
		}
		r.delayedReports = append(r.delayedReports, c)
		r.saveCheckpoint()
		return
	}
	c.Inv.ExitReported = true
	r.finalizeReported(c)
}

func (r *Runner) finalizeReported(c *model.Command) {
	c.State = model.StateReported
	r.slotsInUse -= c.Slots
	if r.slotsInUse < 0 {
		r.slotsInUse = 0
	}
	r.removeDelayed(c.CID)
	r.track.MarkReported(c.CID)
	r.saveCheckpoint()

	if r.slotsInUse == 0 && r.logStream != nil {
		r.logStream.close()
		r.logStream = nil
	}
}

func (r *Runner) removeDelayed(cid int64) {
	out := r.delayedReports[:0]
	for _, c := range r.delayedReports {
		if c.CID != cid {
			out = append(out, c)
		}
	}
	r.delayedReports = out
}

// processDelayedReports retries delayedReports entries no more often
// than timerDelayedReport (spec §4.5).
func (r *Runner) processDelayedReports(ctx context.Context, now time.Time) {
	if len(r.delayedReports) == 0 {
		return
	}
	if now.Sub(r.lastDelayedRetry) < timerDelayedReport {
		return
	}
	r.lastDelayedRetry = now
	for _, c := range r.delayedReports {
		go r.sendExitReport(ctx, c)
	}
}

// maybeHeartbeat sends btrack?q=bpulse at most every timerHeartbeat
// while the blade is not ready (spec §4.6 "Heartbeat").
func (r *Runner) maybeHeartbeat(ctx context.Context, now time.Time, snap model.Snapshot) {
	if now.Sub(r.lastReqTime) < timerHeartbeat {
		return
	}
	r.lastReqTime = now
	r.sendHeartbeat(ctx, snap)
}

// sendHeartbeat fires btrack?q=bpulse unconditionally; maybeHeartbeat
// gates this on timerHeartbeat for the idle tick path, while the ctrl
// nimby-verification scenario (spec §8.4.6) calls this directly since an
// explicit nimby change should be reflected immediately.
func (r *Runner) sendHeartbeat(ctx context.Context, snap model.Snapshot) {
	go func() {
		form := r.stateParams(snap)
		form.Set("q", "bpulse")
		_, _ = r.rpc.Transaction(ctx, "btrack", form.Encode(), nil)
	}()
}

func (r *Runner) requestProfileRefresh() {
	go func() {
		ctx := context.Background()
		err := r.profile.Fetch(ctx, r.facts, r.stateParams(r.buildSnapshot(model.HostMetrics{})))
		r.eventCh <- event{kind: eventProfileRefreshed, rpcErr: err}
	}()
}

// deliverExpand POSTs an expand-chunk fragment to spool?expanded=1
// (spec §4.5 rule 4); wired onto the Tracker via SetExpandDelivery.
func (r *Runner) deliverExpand(c *model.Command, payload []byte) error {
	form := url.Values{}
	form.Set("expanded", "1")
	form.Set("jid", fmt.Sprintf("%d", c.JID))
	form.Set("owner", c.Login)
	_, err := r.rpc.Transaction(context.Background(), "spool", string(payload), map[string]string{
		"Content-Type": "application/tractor-expand",
	})
	return err
}

func (r *Runner) onExitReport(c *model.Command) {
	r.eventCh <- event{kind: eventCmdExited, cmd: c}
}

func (r *Runner) onBulletin(c *model.Command, code model.Progress) {
	go r.sendBulletin(c, code)
}

func (r *Runner) onOutputLine(c *model.Command, stream, line string) {
	r.logger.Debug("cmd output", "cid", c.CID, "stream", stream, "line", line)

	target := c.ProfileAtLaunch.CmdOutputLogging
	if target.LogServer == "" && target.LogFile == "" {
		return
	}
	lb := r.ensureLogBackend(target)
	if lb == nil {
		return
	}
	lb.writeLine(r.logger, c, r.bladeHostName(), line)
}

// onFirstLog fires the one-time task?q=cstatus advisory the moment a
// command's first complete output line arrives (spec §4.5 "Running": "if
// any complete line had output, record hasEverLogged=true and send a
// one-time cstatus log-advisory to the engine"). Fire-and-forget like
// the heartbeat and bulletin paths: a dropped advisory only means the
// engine's live log-viewer offers a "tail" link one tick later.
func (r *Runner) onFirstLog(c *model.Command) {
	go r.sendCstatus(context.Background(), c)
}

func (r *Runner) sendCstatus(ctx context.Context, c *model.Command) {
	form := url.Values{}
	form.Set("q", "cstatus")
	form.Set("owner", c.Login)
	form.Set("jid", fmt.Sprintf("%d", c.JID))
	form.Set("tid", fmt.Sprintf("%d", c.TID))
	form.Set("cid", fmt.Sprintf("%d", c.CID))
	form.Set("rev", fmt.Sprintf("%d", c.Rev))
	if _, err := r.rpc.Transaction(ctx, "task", form.Encode(), nil); err != nil {
		r.logger.Debug("cstatus advisory failed", "cid", c.CID, "err", err)
	}
}
