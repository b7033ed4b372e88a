package model

import "time"

// TaskBidTuning controls how quickly backoff collapses after a clean exit.
type TaskBidTuning string

const (
	BidImmediate TaskBidTuning = "immediate"
	BidSleepy    TaskBidTuning = "sleepy"
)

// CmdOutputLogging selects where subprocess output is streamed.
type CmdOutputLogging struct {
	LogServer string // "host:port", mutually exclusive with LogFile
	LogFile   string // template, e.g. "/var/spool/tractor/%J/%T/%C.log"
}

// DirMap is one [from, to, zone] triple from a profile's dirmap table.
type DirMap struct {
	From string
	To   string
	Zone string
}

// Profile is the active configuration record selected from blade.config
// by matching HostFacts. Replaced atomically; never partially installed.
type Profile struct {
	Name    string
	InService bool

	MaxSlots     int
	MaxLoad      float64
	MinRAM       float64
	MinDisk      float64
	MinDiskDrive string

	VersionPin string

	ServiceKeys   []string         // base advertised keys
	ExclusiveKeys map[string]bool  // keys that gate new requests while held
	CountedKeys   map[string]int   // key -> max concurrent
	AfterKeys     map[string]string // key -> prerequisite key

	EnvKeyList []string // ordered env-handler chain, from the task plus profile defaults

	SiteModulesPath string
	DirmapZone      string
	DirMaps         []DirMap

	UDI float64 // Universal Desirability Index

	NimbyProfile       string
	NimbyConnectPolicy float64

	FatalExitStatus []int

	RetainInlineLogDirectives bool

	RecentErrTrigger int
	RecentErrWindow  time.Duration
	RecentErrHiatus  int // seconds; -1 means auto-nimby instead of a timed hiatus

	TaskBidTuning TaskBidTuning

	SubstJobCWD bool

	CmdOutputLogging CmdOutputLogging

	URLParamMap map[string]string

	GPUProbe *GPUProbeConfig // nil unless the profile overrides GPU discovery

	LastProfileLMT string // opaque cache-validator token, echoed back to the engine
}

// Clone returns a deep-enough copy for building a scratch profile during
// apply (§4.3): never mutate a live *Profile in place.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.ServiceKeys = append([]string(nil), p.ServiceKeys...)
	cp.ExclusiveKeys = copyBoolMap(p.ExclusiveKeys)
	cp.CountedKeys = copyIntMap(p.CountedKeys)
	cp.AfterKeys = copyStringMap(p.AfterKeys)
	cp.EnvKeyList = append([]string(nil), p.EnvKeyList...)
	cp.DirMaps = append([]DirMap(nil), p.DirMaps...)
	cp.FatalExitStatus = append([]int(nil), p.FatalExitStatus...)
	cp.URLParamMap = copyStringMap(p.URLParamMap)
	if p.GPUProbe != nil {
		g := *p.GPUProbe
		g.Excludes = append([]string(nil), p.GPUProbe.Excludes...)
		cp.GPUProbe = &g
	}
	return &cp
}

func copyBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyIntMap(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ProfileSnapshot is the subset of Profile fields a Command must retain
// for its own lifetime, copied at construction time so that a profile
// replacement never invalidates an in-flight Command's view of the
// settings that governed its launch (spec §9, "Cyclic/backpointer graphs").
type ProfileSnapshot struct {
	CmdOutputLogging          CmdOutputLogging
	DirmapZone                string
	FatalExitStatus           []int
	SubstJobCWD                bool
	RetainInlineLogDirectives bool
}

// ResetProfileDetails extracts the ProfileSnapshot fields from a live
// Profile. Called whenever a Command is constructed against the
// currently-active profile.
func ResetProfileDetails(p *Profile) ProfileSnapshot {
	return ProfileSnapshot{
		CmdOutputLogging:          p.CmdOutputLogging,
		DirmapZone:                p.DirmapZone,
		FatalExitStatus:           append([]int(nil), p.FatalExitStatus...),
		SubstJobCWD:               p.SubstJobCWD,
		RetainInlineLogDirectives: p.RetainInlineLogDirectives,
	}
}
