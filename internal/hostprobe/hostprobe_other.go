//go:build !linux

package hostprobe

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/tractor-project/blade/internal/model"
)

// reducedProber implements Prober on platforms the teacher's collector
// package never targeted (darwin, windows). It trades accounting
// fidelity for availability: static facts and headline metrics are
// best-effort, and ProbePIDs is a no-op (spec §9.5 documents this as a
// deliberate non-goal rather than a silent gap).
func newPlatformProber(logger hclog.Logger, diskDrive string) Prober {
	if diskDrive == "" {
		diskDrive = "/"
	}
	return &reducedProber{
		logger:    logger.Named("hostprobe"),
		diskDrive: diskDrive,
	}
}

type reducedProber struct {
	logger    hclog.Logger
	diskDrive string

	rl  rateLimiter
	gpu model.GPUProbeConfig
}

func (p *reducedProber) StaticFacts() (model.HostFacts, error) {
	hostname, _ := os.Hostname()
	osType := model.OSMacOS
	if runtime.GOOS == "windows" {
		osType = model.OSWindows
	}

	facts := model.HostFacts{
		Hostname:  hostname,
		HostUUID:  reducedHostUUID(),
		OSType:    osType,
		OSInfo:    runtime.GOOS + "/" + runtime.GOARCH,
		NCPUs:     runtime.NumCPU(),
		PhysRAMGB: 0,
	}
	count, level, label := probeGPUReduced(p.gpu.Command, p.gpu.Excludes)
	facts.GPUCount, facts.GPULevel, facts.GPULabel = count, level, label
	p.logger.Debug("static facts gathered with reduced fidelity", "os", runtime.GOOS)
	return facts, nil
}

func (p *reducedProber) Refresh(gpu *model.GPUProbeConfig) error {
	if gpu != nil {
		p.gpu = *gpu
	}
	return nil
}

func (p *reducedProber) Sample() (model.HostMetrics, error) {
	return p.rl.sampleOrCached(time.Now(), func() (model.HostMetrics, error) {
		return model.HostMetrics{}, nil
	})
}

// ProbePIDs is a deliberate no-op outside Linux: neither darwin nor
// windows expose a procfs-equivalent the teacher's collector code
// relied on, and this blade has no production deployment on either.
func (p *reducedProber) ProbePIDs(cmds []*model.Command) error {
	return nil
}

func reducedHostUUID() string {
	path := filepath.Join(os.TempDir(), "tractor-blade-hostuuid")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	id := uuid.NewString()
	_ = os.WriteFile(path, []byte(id+"\n"), 0o644)
	return id
}

func probeGPUReduced(overrideCmd string, excludes []string) (count, level int, label string) {
	cmdline := overrideCmd
	if cmdline == "" {
		if runtime.GOOS == "darwin" {
			cmdline = "system_profiler SPDisplaysDataType"
		} else {
			cmdline = "wmic path win32_VideoController get name"
		}
	}
	parts := strings.Fields(cmdline)
	if len(parts) == 0 {
		return 0, 0, "none"
	}
	out, err := exec.Command(parts[0], parts[1:]...).Output()
	if err != nil {
		return 0, 0, "none"
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "chipset") && !strings.Contains(lower, "nvidia") &&
			!strings.Contains(lower, "amd") && !strings.Contains(lower, "intel") &&
			!strings.Contains(lower, "radeon") {
			continue
		}
		excluded := false
		for _, pat := range excludes {
			if ok, _ := filepath.Match(pat, line); ok {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		count++
		if label == "" {
			level, label = 1, "basic"
		}
	}
	if count == 0 {
		return 0, 0, "none"
	}
	return count, level, label
}
