package model

import "fmt"

// AltMode selects the launch variant for a Command.
type AltMode string

const (
	ModeRegular  AltMode = "regular"
	ModeAdhocNRM AltMode = "adhocNRM"
	ModeHeldNRM  AltMode = "heldNRM"
	ModeTrNRM    AltMode = "trNRM"
)

// RuntimeBounds are the (min, max) seconds a command is allowed to run.
type RuntimeBounds struct {
	Min float64
	Max float64 // 0 means unbounded
}

// YieldTest names the resume predicate for a resumable command: either a
// sentinel exit code or a checkpoint-file token to look for.
type YieldTest struct {
	SentinelExitCode int
	CheckpointFile   string
}

// Command is one execution attempt assigned by the engine. Owned by
// internal/tracker; shared by reference with the Runner's activeCmds and
// delayedReports lists. Destroyed only after its exit report is accepted
// by the engine or deemed undeliverable.
type Command struct {
	JID, TID, CID, Rev int64

	Argv    []string
	EnvKey  []string // tags naming the env-handler chain
	SvcKey  []string // space-list of service keys this command exercises
	DirMaps []DirMap

	Slots int

	Login      string
	SpoolHost  string
	SpoolAddr  string
	UDir       string // job working directory
	InMsg      string // optional stdin payload

	Expands      bool
	ExpandFile   string // set once the subprocess names an expand chunk file

	RuntimeBounds RuntimeBounds
	YieldTest     *YieldTest
	Resumable     bool
	AltMode       AltMode

	ProfileAtLaunch ProfileSnapshot

	State State
	Inv   InvocationState
}

// LogRef renders the canonical "/J<j>/T<t>/C<c>.<r>/user@host" reference
// used in log headers and exit reports.
func (c *Command) LogRef(host string) string {
	return fmt.Sprintf("/J%d/T%d/C%d.%d/%s@%s", c.JID, c.TID, c.CID, c.Rev, c.Login, host)
}

// State is the Command lifecycle state machine position (spec §4.5).
type State int

const (
	StateReceived State = iota
	StateHold
	StateLaunching
	StateRunning
	StateYielded
	StateExiting
	StateLaunchError
	StateReported
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateHold:
		return "hold"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateYielded:
		return "yielded"
	case StateExiting:
		return "exiting"
	case StateLaunchError:
		return "launch_error"
	case StateReported:
		return "reported"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Progress is the single-character progress encoding (spec §4.5):
// 'A' active/no-progress, 'F'..'Z' uniformly sampled percent buckets,
// 'D' done, 'E' error.
type Progress byte

const (
	ProgressActive Progress = 'A'
	ProgressDone   Progress = 'D'
	ProgressError  Progress = 'E'
)

// progressAlphabet is the ordered bucket set used for intermediate
// percent-done encoding, per spec §4.5:
// chr = "AFGHIJKLMNOPQRSTUVWXYZ"[round(p/4.7)] clamped to index 21.
const progressAlphabet = "AFGHIJKLMNOPQRSTUVWXYZ"

// EncodeProgress maps a percent-done value in [0,100] to its single
// character code. Callers pass ProgressDone/ProgressError directly for
// terminal states instead of using this function.
func EncodeProgress(percent float64) Progress {
	idx := int(percent/4.7 + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx > len(progressAlphabet)-1 {
		idx = len(progressAlphabet) - 1
	}
	return Progress(progressAlphabet[idx])
}

// IsIntermediate reports whether a progress code is neither the initial
// active state nor a terminal state -- the condition under which UDP
// status bulletins are rate-limited and change-gated (spec §4.5).
func (p Progress) IsIntermediate() bool {
	return p != ProgressActive && p != ProgressDone && p != ProgressError
}

// InvocationState is embedded in Command: the live process handle and
// accounting, reset/rebuilt on checkpoint recovery.
type InvocationState struct {
	PID         int
	LaunchTime  int64 // unix seconds
	ExitCode    *int
	WasSwept    bool
	ShouldDie   int64 // unix seconds; 0 means no kill requested
	MustDie     bool
	Progress    Progress
	ElapsedReal float64
	ElapsedUser float64
	ElapsedSys  float64
	MaxRSS      int64 // bytes
	MaxVSZ      int64 // bytes
	MaxCPU      float64
	ExitReported bool
	HasEverLogged bool
	YieldChkpt   bool
	OrphanedByRestart bool
}
