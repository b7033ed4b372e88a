package model

// RawProfileEntry is the wire shape of one BladeProfiles[] entry as
// decoded from the engine's config?q=profiles reply -- a loosely typed
// map because the engine's config format predates any fixed schema and
// entries may carry site-specific extra keys the blade ignores (spec
// §4.3).
type RawProfileEntry map[string]any

// HostsMatch is the decoded "Hosts" match block tested against HostFacts
// before a profile entry is applied.
type HostsMatch struct {
	Name         []string
	Platform     []string
	NCPU         int
	NCores       int
	MinNCPU      int
	MinNGPU      int
	GPUCount     int
	GPULabel     string
	GPULevel     int
	GPUTags      []string
	MinPhysRAM   float64
	PhysRAM      float64
	PathExists   []string
}
