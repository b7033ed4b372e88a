// Package model defines the blade's core data types: host facts and
// metrics, the active profile, in-flight commands, and the runner
// snapshot passed to readiness filters. These types cross package
// boundaries (hostprobe, profile, tracker, runner) and are the wire
// shapes serialized to/from the engine.
package model

import "time"

// OSType enumerates the platforms the blade runs on.
type OSType string

const (
	OSLinux   OSType = "Linux"
	OSMacOS   OSType = "MacOS"
	OSWindows OSType = "Windows"
)

// HostFacts are static for the process lifetime, refreshed only when the
// active profile specifies GPU filters that require re-probing.
type HostFacts struct {
	Hostname  string    `json:"hostname"`
	Aliases   []string  `json:"aliases,omitempty"`
	Addrs     []string  `json:"addrs,omitempty"`
	HostUUID  string    `json:"hostuuid"`
	BootTime  time.Time `json:"boottime"`
	OSType    OSType    `json:"ostype"`
	OSInfo    string    `json:"osinfo"`
	NCPUs     int       `json:"ncpus"`
	PhysRAMGB float64   `json:"physram"`
	GPUCount  int       `json:"gpucount"`
	GPULevel  int       `json:"gpulevel"`
	GPULabel  string    `json:"gpulabel"`
}

// HostMetrics are sampled dynamic measurements, rate-limited by the
// caller (internal/hostprobe) to one sample per 15s.
type HostMetrics struct {
	CPULoad  float64   `json:"cpuload"`  // normalized 0..1 by core count
	FreeRAM  float64   `json:"freeram"`  // GB
	FreeDisk float64   `json:"freedisk"` // GB, for the configured drive
	SampledAt time.Time `json:"sampledat"`
}

// GPUProbeConfig lets a profile override GPU discovery.
type GPUProbeConfig struct {
	Command  string   // overrides the platform-default probe command
	Excludes []string // fnmatch exclusion patterns against probe output lines
}
