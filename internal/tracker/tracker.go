// Package tracker implements the Command Tracker (spec §4.5): the
// per-command state machine from Received through Deleted, subprocess
// launch under the target user's identity, non-blocking output
// draining, progress-bulletin emission, exit reaping with its override
// chain, and the SIGINT→SIGTERM→SIGKILL escalation ladder. It
// generalizes internal/executor/executor.go's context-driven process
// lifecycle (Start+goroutine-Wait+signal-escalation) from a single
// bounded tool invocation into many concurrently tracked, indefinitely
// running job commands.
package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tractor-project/blade/internal/envpipe"
	"github.com/tractor-project/blade/internal/model"
)

// escalateDelay is the spacing between kill-escalation steps (spec
// §4.5's default of 2s).
const escalateDelay = 2 * time.Second

// bulletinRateLimit is the minimum spacing between UDP progress
// bulletins for the same command (spec §4.5 default of 1.0s).
const bulletinRateLimit = 1 * time.Second

// Tracker owns the set of live Commands and advances each one's state
// machine on every Tick call from the Runner.
type Tracker struct {
	logger hclog.Logger
	env    *envpipe.Pipeline

	mu   sync.Mutex
	cmds map[int64]*trackedCmd // keyed by CID

	onExitReport  func(cmd *model.Command)
	onBulletin    func(cmd *model.Command, code model.Progress)
	deliverExpand func(cmd *model.Command, payload []byte) error
	onOutputLine  func(cmd *model.Command, stream string, line string)
	onFirstLog    func(cmd *model.Command)
}

// SetFirstLogHook wires the one-time hasEverLogged transition hook (spec
// §4.5/§6.1's task?q=cstatus advisory): called exactly once per command,
// the first time any output line arrives.
func (t *Tracker) SetFirstLogHook(fn func(cmd *model.Command)) {
	t.onFirstLog = fn
}

// SetOutputLine wires the per-line output hook (spec §4.5's "output
// line-filtering with failure degrades to passthrough"): a site filter
// can rewrite or drop a line, classify progress tokens embedded in it,
// or detect an EXIT_STATUS/TR_EXPAND_CHUNK marker. A filter that panics
// or errors degrades to plain passthrough for that one line rather than
// aborting the command, mirroring how internal/orchestrator.Run turns
// one collector's error into a degraded Result instead of a fatal abort.
func (t *Tracker) SetOutputLine(fn func(cmd *model.Command, stream string, line string)) {
	t.onOutputLine = fn
}

type trackedCmd struct {
	cmd         *model.Command
	proc        processHandle
	stdoutBuf   string
	stderrBuf   string
	lastCode    model.Progress
	lastBulletin time.Time
	killStage   int // 0=none, 1=sigint sent, 2=sigterm sent, 3=sigkill sent
}

// New returns a Tracker. onExitReport is called once a command's exit
// has been fully processed and is ready for the task?q=exitcode report;
// onBulletin is called whenever a UDP progress bulletin should be sent.
func New(logger hclog.Logger, env *envpipe.Pipeline, onExitReport func(*model.Command), onBulletin func(*model.Command, model.Progress)) *Tracker {
	return &Tracker{
		logger:       logger.Named("tracker"),
		env:          env,
		cmds:         map[int64]*trackedCmd{},
		onExitReport: onExitReport,
		onBulletin:   onBulletin,
	}
}

// SetExpandDelivery wires the callback used to POST an expand-chunk
// file's contents to the engine (spec §4.5 rule 4); internal/runner
// supplies this since it owns the enginerpc.Client.
func (t *Tracker) SetExpandDelivery(fn func(cmd *model.Command, payload []byte) error) {
	t.deliverExpand = fn
}

// Add registers a newly received Command (state must already be
// StateReceived or StateHold) for tracking.
func (t *Tracker) Add(cmd *model.Command) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cmds[cmd.CID] = &trackedCmd{cmd: cmd, lastCode: model.ProgressActive}
}

// Get returns the live Command for a CID, if tracked.
func (t *Tracker) Get(cid int64) (*model.Command, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tc, ok := t.cmds[cid]
	if !ok {
		return nil, false
	}
	return tc.cmd, true
}

// Active returns every tracked Command not yet Deleted.
func (t *Tracker) Active() []*model.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*model.Command, 0, len(t.cmds))
	for _, tc := range t.cmds {
		if tc.cmd.State != model.StateDeleted {
			out = append(out, tc.cmd)
		}
	}
	return out
}

// Count returns the number of commands currently occupying a slot
// (Launching/Running/Exiting), for the Runner's slotsInUse accounting.
func (t *Tracker) Count(states ...model.State) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	want := map[model.State]bool{}
	for _, s := range states {
		want[s] = true
	}
	n := 0
	for _, tc := range t.cmds {
		if want[tc.cmd.State] {
			n++
		}
	}
	return n
}

// Launch transitions a Received/Hold command to Launching then Running,
// spawning the subprocess under the resolved target identity (spec
// §4.5's setpgrp→setgid→initgroups→setuid→chdir chain on POSIX).
func (t *Tracker) Launch(cmd *model.Command, engineAddr, monitorAddr, host string, dirmaps []model.DirMap) error {
	cmd.State = model.StateLaunching

	env := t.env.Build(cmd, engineAddr, monitorAddr)
	argv := t.env.RemapArgv(cmd, env, host, dirmaps, cmd.ProfileAtLaunch.DirmapZone)
	argv = envpipe.ApplyMetaTemplates(cmd, host, nil, argv)

	proc, err := startProcess(cmd, argv, env)
	if err != nil {
		cmd.State = model.StateLaunchError
		code := model.ExitLaunchENOENT
		cmd.Inv.ExitCode = &code
		cmd.Inv.Progress = model.ProgressError
		t.logger.Error("launch failed", "cid", cmd.CID, "argv0", argv0(argv), "udir", cmd.UDir, "err", err)
		if t.onExitReport != nil {
			t.onExitReport(cmd)
		}
		return fmt.Errorf("launch cid=%d: %w", cmd.CID, err)
	}

	cmd.Inv.PID = proc.PID()
	cmd.Inv.LaunchTime = time.Now().Unix()
	cmd.Inv.Progress = model.ProgressActive
	cmd.State = model.StateRunning

	t.mu.Lock()
	if tc, ok := t.cmds[cmd.CID]; ok {
		tc.proc = proc
		tc.lastCode = model.ProgressActive
	}
	t.mu.Unlock()

	t.logger.Info("command launched", "cid", cmd.CID, "pid", cmd.Inv.PID, "argv0", argv0(argv))
	return nil
}

func argv0(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return argv[0]
}

// Tick advances every tracked command one step: drains output, reaps
// exits, and drives the kill-escalation ladder (spec §4.5's per-tick
// responsibilities). Returns an activity sign: positive if any command
// exited cleanly this tick, negative if any exited in error, zero
// otherwise -- feeding the Runner's backoff computation (spec §4.6).
func (t *Tracker) Tick(now time.Time) int {
	t.mu.Lock()
	tcs := make([]*trackedCmd, 0, len(t.cmds))
	for _, tc := range t.cmds {
		tcs = append(tcs, tc)
	}
	t.mu.Unlock()

	activity := 0
	for _, tc := range tcs {
		switch tc.cmd.State {
		case model.StateRunning:
			t.drainOutput(tc)
			t.emitBulletin(tc, now)
			if t.reap(tc) {
				if tc.cmd.Inv.ExitCode != nil && *tc.cmd.Inv.ExitCode == 0 {
					activity = 1
				} else if activity == 0 {
					activity = -1
				}
			}
			t.driveKill(tc, now)
		case model.StateExiting:
			t.driveKill(tc, now)
		}
	}
	return activity
}

// drainOutput non-blockingly reads any available stdout/stderr and
// feeds complete lines to the output filter hook; partial trailing
// bytes stay buffered until a newline or exit (spec §4.5 "Running").
func (t *Tracker) drainOutput(tc *trackedCmd) {
	if tc.proc == nil {
		return
	}
	outChunk, errChunk := tc.proc.DrainNonBlocking()
	if outChunk == "" && errChunk == "" {
		return
	}
	firstLog := !tc.cmd.Inv.HasEverLogged
	if outChunk != "" {
		tc.stdoutBuf += outChunk
		tc.cmd.Inv.HasEverLogged = true
	}
	if errChunk != "" {
		tc.stderrBuf += errChunk
		tc.cmd.Inv.HasEverLogged = true
	}
	if firstLog && tc.cmd.Inv.HasEverLogged && t.onFirstLog != nil {
		t.onFirstLog(tc.cmd)
	}
	tc.stdoutBuf = t.dispatchLines(tc, "stdout", tc.stdoutBuf)
	tc.stderrBuf = t.dispatchLines(tc, "stderr", tc.stderrBuf)
}

// dispatchLines emits each complete line in buf to the output hook,
// returning the undispatched remainder (spec §4.5 "Running": complete
// lines are filtered/logged as they arrive, a trailing partial line
// waits for its newline).
func (t *Tracker) dispatchLines(tc *trackedCmd, stream, buf string) string {
	for {
		idx := indexNewline(buf)
		if idx < 0 {
			return buf
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		if t.onOutputLine != nil {
			t.onOutputLine(tc.cmd, stream, line)
		}
	}
}

func indexNewline(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}

// emitBulletin sends a UDP status update when the encoded progress code
// changes and the rate limit has elapsed (spec §4.5 "Progress encoding").
func (t *Tracker) emitBulletin(tc *trackedCmd, now time.Time) {
	code := tc.cmd.Inv.Progress
	if !code.IsIntermediate() {
		return
	}
	if code == tc.lastCode && now.Sub(tc.lastBulletin) < bulletinRateLimit {
		return
	}
	tc.lastCode = code
	tc.lastBulletin = now
	if t.onBulletin != nil {
		t.onBulletin(tc.cmd, code)
	}
}
