// Package runner implements the Runner (spec §4.6): the main event
// loop tying the Host Probe, Engine RPC, Profile Manager, Environment
// Pipeline, and Command Tracker together. Its concurrency shape is the
// direct generalization of internal/orchestrator.Orchestrator.Run's
// goroutine-fan-out-plus-sync.WaitGroup barrier: there, N collectors run
// once in parallel and join; here, one ticking goroutine, one listener-
// accept goroutine, and transient one-shot RPC goroutines all funnel
// into a single buffered event channel so Runner state mutation stays
// single-threaded.
package runner

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tractor-project/blade/internal/enginerpc"
	"github.com/tractor-project/blade/internal/envpipe"
	"github.com/tractor-project/blade/internal/hostprobe"
	"github.com/tractor-project/blade/internal/model"
	"github.com/tractor-project/blade/internal/profile"
	"github.com/tractor-project/blade/internal/tracker"
)

// Tuning default constants (spec §4.6, §6.4).
const (
	defaultMinSleep       = 1 * time.Second
	defaultMaxSleep       = 60 * time.Second
	timerHeartbeat        = 60 * time.Second
	timerDelayedReport    = 30 * time.Second
	recentErrWindow       = 5 * time.Minute
	recentErrTrigger      = 5
)

// Config bundles the CLI-sourced parameters the Runner needs at
// construction (spec §6.4's flag set).
type Config struct {
	EngineHost string
	EnginePort int
	EngineTLS  bool

	ListenIface string
	ListenPort  int

	HName string // "." means use the probed hostname unmodified

	Slots int // 0 means the detected CPU count (resolved in Run); negative defers to the profile's MaxSlots

	NimbyOverride string // "", "0", "1", or a username

	Supersede      bool
	SkipCheckpoint bool
	NoAutoUpdate   bool
	LogEnv         bool
	CmdTee         bool

	MinSleep   time.Duration
	MaxSleep   time.Duration
	KillDelay  time.Duration
	NoSigint   bool

	ProfileOverride string
	DirmapZone      string

	AppTempDir string // base dir for checkpoint/pidfile (spec §6.5)

	Version string // this blade's own build version, for VersionPin comparison
}

// Runner owns all live state; every field below is touched only from
// the single goroutine draining eventCh (spec §5 "All state mutation
// happens on the main scheduler").
type Runner struct {
	cfg    Config
	logger hclog.Logger

	rpc     *enginerpc.Client
	prober  hostprobe.Prober
	profile *profile.Manager
	env     *envpipe.Pipeline
	track   *tracker.Tracker

	facts model.HostFacts

	slotsInUse  int
	activeHolds map[string]int // logref -> slots reserved

	delayedReports   []*model.Command
	lastDelayedRetry time.Time

	errThrottle *errThrottle

	runState      model.RunState
	nimbyOverride string
	reExecArgs    []string

	backoff        time.Duration
	lastReqTime    time.Time
	cmdReqPending  bool
	taskingStandby int

	eventCh chan event

	listener *httpListener

	logStream *logBackend

	excuse string

	mu sync.Mutex // not locked anywhere; the fields above are touched only from the eventCh goroutine
}

// New wires every component together exactly as cmd/blade's main will
// need it: Host Probe, Engine RPC client, Profile Manager, Environment
// Pipeline, and Command Tracker all share the same hclog.Logger lineage.
func New(cfg Config, logger hclog.Logger) *Runner {
	rpc := enginerpc.New(logger, cfg.EngineHost, cfg.EnginePort, cfg.EngineTLS)
	// MinDiskDrive is a per-profile setting only known after the first
	// fetch, not at construction time; hostprobe defaults to "/" until a
	// profile-driven reconfiguration path is added (see DESIGN.md).
	prober := hostprobe.New(logger, "")
	pm := profile.New(logger, rpc, cfg.ProfileOverride)
	env := envpipe.New()

	r := &Runner{
		cfg:         cfg,
		logger:      logger.Named("runner"),
		rpc:         rpc,
		prober:      prober,
		profile:     pm,
		env:         env,
		activeHolds: map[string]int{},
		errThrottle: newErrThrottle(),
		runState:    model.RunNormal,
		backoff:     cfg.MinSleep,
		eventCh:     make(chan event, 64),
	}
	r.track = tracker.New(logger, env, r.onExitReport, r.onBulletin)
	r.track.SetExpandDelivery(r.deliverExpand)
	r.track.SetOutputLine(r.onOutputLine)
	r.track.SetFirstLogHook(r.onFirstLog)
	return r
}

// clampBackoff enforces spec §4.6's "clamp backoff to [minSleep,
// maxSleep]" at every tick boundary.
func (r *Runner) clampBackoff() {
	min := r.cfg.MinSleep
	if min <= 0 {
		min = defaultMinSleep
	}
	max := r.cfg.MaxSleep
	if max <= 0 {
		max = defaultMaxSleep
	}
	if r.backoff < min {
		r.backoff = min
	}
	if r.backoff > max {
		r.backoff = max
	}
}

// tick runs one iteration of the main loop's scheduling logic (spec
// §4.6 "Main tick"): reap activity, adjust backoff, maybe request work.
func (r *Runner) tick(ctx context.Context, now time.Time) {
	r.clampBackoff()

	activity := r.track.Tick(now)
	switch {
	case activity > 0 && r.currentProfile() != nil && r.currentProfile().TaskBidTuning == model.BidImmediate:
		r.backoff = 0
	case activity != 0 && (activity < 0 || (r.currentProfile() != nil && r.currentProfile().TaskBidTuning == model.BidSleepy)):
		r.backoff = r.cfg.MinSleep
		r.clampBackoff()
	}

	r.processDelayedReports(ctx, now)
	r.drainFinishedCommands()
	r.checkAutoUpdate(ctx)

	if r.runState != model.RunNormal {
		return
	}

	if now.Sub(r.lastReqTime) < r.backoff {
		return
	}
	if r.cmdReqPending {
		r.backoff *= 2
		r.clampBackoff()
		return
	}

	r.evaluateAndRequest(ctx, now)
}

// currentProfile is a nil-safe accessor used throughout the tick path.
func (r *Runner) currentProfile() *model.Profile {
	return r.profile.Current()
}

// drainFinishedCommands moves Exiting/Yielded commands into the exit-
// report path and Reported ones toward final removal, mirroring how the
// teacher's orchestrator joins goroutine results under one mutex instead
// of leaving them scattered.
func (r *Runner) drainFinishedCommands() {
	for _, c := range r.track.Active() {
		switch c.State {
		case model.StateExiting:
			r.enqueueExitReport(c)
		case model.StateYielded:
			r.enqueueExitReport(c)
		case model.StateReported:
			r.track.Remove(c.CID)
			r.saveCheckpoint()
		}
	}
}

// slotsAvailable computes remaining capacity against the active
// profile's MaxSlots (spec §8.1 invariant 1).
func (r *Runner) slotsAvailable() int {
	p := r.currentProfile()
	if p == nil {
		return 0
	}
	max := p.MaxSlots
	if r.cfg.Slots > 0 {
		max = r.cfg.Slots
	}
	return max - r.slotsInUse
}

// bladeHostName resolves --hname (spec §6.4): "." means "use the probed
// hostname unmodified", anything else overrides it outright.
func (r *Runner) bladeHostName() string {
	if r.cfg.HName == "" || r.cfg.HName == "." {
		return r.facts.Hostname
	}
	return r.cfg.HName
}

// stateParams builds the query-string form sent alongside config?q=
// profiles and btrack?q=bpulse requests (spec §6.1): a compact view of
// the Runner's own readiness posture, echoed so the engine can reason
// about why a blade isn't bidding.
func (r *Runner) stateParams(snap model.Snapshot) url.Values {
	v := url.Values{}
	v.Set("slots", fmt.Sprintf("%d", r.slotsInUse))
	v.Set("nimby", r.nimbyOverride)
	v.Set("hnm", r.bladeHostName())
	if snap.Excuse != "" {
		v.Set("excuse", snap.Excuse)
	}
	return v
}

// jitterSleep returns a small randomized delay to avoid thundering-herd
// collisions against the engine, used by the auto-update path (spec
// §4.6 "Auto-update... after a random collision-avoidance sleep").
func jitterSleep(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)))
}

// appTempDir resolves the checkpoint/pidfile base directory, falling
// back to the OS temp dir when unset (spec §6.5).
func (r *Runner) appTempDir() string {
	if r.cfg.AppTempDir != "" {
		return r.cfg.AppTempDir
	}
	return os.TempDir()
}
