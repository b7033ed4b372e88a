// Package hostprobe collects static host facts and dynamic metrics for
// the blade's Runner, and feeds per-PID resource accounting back into
// in-flight Commands. It generalizes the teacher's procfs/sysfs readers
// (internal/collector/{system,cpu,memory,disk,network,process}.go) from
// one-shot report collection into a rate-limited sampler a long-running
// daemon polls every tick.
package hostprobe

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tractor-project/blade/internal/model"
)

// sampleInterval is the minimum spacing between HostMetrics samples
// (spec §3.1: "rate-limited to one sample per 15 s").
const sampleInterval = 15 * time.Second

// Prober is the Host Probe component's public surface (spec §4.1).
type Prober interface {
	// StaticFacts returns the host's immutable-for-process-lifetime facts.
	StaticFacts() (model.HostFacts, error)

	// Sample returns the most recent HostMetrics, re-sampling only if at
	// least sampleInterval has elapsed since the last call.
	Sample() (model.HostMetrics, error)

	// ProbePIDs updates per-command RSS/VSZ/CPU maxima in place by
	// reading OS-native process accounting for each command's live PID.
	ProbePIDs(cmds []*model.Command) error

	// Refresh installs the GPU probe override used when the active
	// profile changes GPU filters (spec §4.1). It does not probe by
	// itself; the next StaticFacts call applies the new settings.
	Refresh(gpu *model.GPUProbeConfig) error
}

// New returns the platform-appropriate Prober.
func New(logger hclog.Logger, diskDrive string) Prober {
	return newPlatformProber(logger, diskDrive)
}

// rateLimiter guards repeated Sample() calls against the 15s floor.
type rateLimiter struct {
	mu   sync.Mutex
	last time.Time
	held model.HostMetrics
}

func (r *rateLimiter) sampleOrCached(now time.Time, fresh func() (model.HostMetrics, error)) (model.HostMetrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.last.IsZero() && now.Sub(r.last) < sampleInterval {
		return r.held, nil
	}
	m, err := fresh()
	if err != nil {
		return r.held, err
	}
	m.SampledAt = now
	r.last = now
	r.held = m
	return m, nil
}
