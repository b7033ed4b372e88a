//go:build linux

package hostprobe

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/tractor-project/blade/internal/model"
)

func newPlatformProber(logger hclog.Logger, diskDrive string) Prober {
	if diskDrive == "" {
		diskDrive = "/"
	}
	return &linuxProber{
		logger:    logger.Named("hostprobe"),
		procRoot:  "/proc",
		sysRoot:   "/sys",
		diskDrive: diskDrive,
	}
}

// linuxProber implements Prober by reading procfs/sysfs, generalizing
// internal/collector/system.go, cpu.go, memory.go, process.go's readers
// from one-shot report sampling into an always-available, rate-limited
// poll surface for the Runner's tick loop.
type linuxProber struct {
	logger    hclog.Logger
	procRoot  string
	sysRoot   string
	diskDrive string

	rl rateLimiter

	gpu     model.GPUProbeConfig
	haveGPU bool
}

func (p *linuxProber) StaticFacts() (model.HostFacts, error) {
	hostname, _ := os.Hostname()
	aliases, addrs := resolveAliasesAndAddrs(hostname)

	facts := model.HostFacts{
		Hostname:  hostname,
		Aliases:   aliases,
		Addrs:     addrs,
		HostUUID:  hostUUID(),
		BootTime:  bootTime(p.procRoot),
		OSType:    model.OSLinux,
		OSInfo:    readOSRelease(),
		NCPUs:     numCPUs(p.procRoot),
		PhysRAMGB: physRAMGB(p.procRoot),
	}

	count, level, label := probeGPU(p.gpu.Command, p.gpu.Excludes)
	facts.GPUCount, facts.GPULevel, facts.GPULabel = count, level, label
	return facts, nil
}

func (p *linuxProber) Refresh(gpu *model.GPUProbeConfig) error {
	if gpu != nil {
		p.gpu = *gpu
		p.haveGPU = true
	}
	return nil
}

func (p *linuxProber) Sample() (model.HostMetrics, error) {
	return p.rl.sampleOrCached(time.Now(), p.sampleFresh)
}

func (p *linuxProber) sampleFresh() (model.HostMetrics, error) {
	load, err := loadAvg1(p.procRoot)
	if err != nil {
		return model.HostMetrics{}, fmt.Errorf("read loadavg: %w", err)
	}
	n := numCPUs(p.procRoot)
	if n < 1 {
		n = 1
	}
	freeRAM, err := freeRAMGB(p.procRoot)
	if err != nil {
		return model.HostMetrics{}, fmt.Errorf("read meminfo: %w", err)
	}
	freeDisk, err := freeDiskGB(p.diskDrive)
	if err != nil {
		return model.HostMetrics{}, fmt.Errorf("statfs %s: %w", p.diskDrive, err)
	}
	return model.HostMetrics{
		CPULoad:  load / float64(n),
		FreeRAM:  freeRAM,
		FreeDisk: freeDisk,
	}, nil
}

// ProbePIDs updates InvocationState.MaxRSS/MaxVSZ/MaxCPU for every
// running command by reading /proc/<pid>/stat fields 14,15 (utime,stime
// ticks), 23 (vsize bytes), 24 (rss pages) -- the same fields
// internal/collector/process.go samples, generalized to a one-pass
// snapshot-and-take-maximum instead of a two-pass delta (the Runner tick
// cadence is the sampling interval here, not an internal sleep).
func (p *linuxProber) ProbePIDs(cmds []*model.Command) error {
	const clkTck = 100.0
	pageSize := int64(os.Getpagesize())

	for _, c := range cmds {
		if c.Inv.PID <= 0 || c.State != model.StateRunning {
			continue
		}
		stat, err := readPidStat(p.procRoot, c.Inv.PID)
		if err != nil {
			continue // process may have just exited; reaping handles that
		}

		cpuSecs := float64(stat.utime+stat.stime) / clkTck
		if cpuSecs > c.Inv.MaxCPU {
			c.Inv.MaxCPU = cpuSecs
		}
		if stat.vsize > c.Inv.MaxVSZ {
			c.Inv.MaxVSZ = stat.vsize
		}
		rssBytes := stat.rss * pageSize
		if rssBytes > c.Inv.MaxRSS {
			c.Inv.MaxRSS = rssBytes
		}
	}
	return nil
}

// --- static facts helpers ---

func hostUUID() string {
	const path = "/etc/tractor-blade/hostuuid"
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	id := uuid.NewString()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	_ = os.WriteFile(path, []byte(id+"\n"), 0o644)
	return id
}

func resolveAliasesAndAddrs(hostname string) (aliases, addrs []string) {
	cname, err := net.LookupCNAME(hostname)
	if err == nil && cname != "" && cname != hostname+"." {
		aliases = append(aliases, strings.TrimSuffix(cname, "."))
	}
	ips, err := net.LookupIP(hostname)
	if err != nil {
		return filterArpa(aliases), addrs
	}
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	return filterArpa(aliases), addrs
}

func filterArpa(aliases []string) []string {
	var out []string
	for _, a := range aliases {
		if strings.HasSuffix(a, ".arpa") {
			continue
		}
		out = append(out, a)
	}
	return out
}

func readOSRelease() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "linux"
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
		}
	}
	return "linux"
}

func numCPUs(procRoot string) int {
	data, err := os.ReadFile(filepath.Join(procRoot, "cpuinfo"))
	if err != nil {
		return 1
	}
	n := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "processor") {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

func physRAMGB(procRoot string) float64 {
	data, err := os.ReadFile(filepath.Join(procRoot, "meminfo"))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseFloat(fields[1], 64); err == nil {
					return kb / (1024 * 1024)
				}
			}
		}
	}
	return 0
}

func bootTime(procRoot string) time.Time {
	f, err := os.Open(filepath.Join(procRoot, "stat"))
	if err != nil {
		return time.Time{}
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "btime ") {
			fields := strings.Fields(line)
			if len(fields) == 2 {
				if secs, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return time.Unix(secs, 0)
				}
			}
		}
	}
	return time.Time{}
}

// --- dynamic metrics helpers ---

func loadAvg1(procRoot string) (float64, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, "loadavg"))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, fmt.Errorf("malformed loadavg")
	}
	return strconv.ParseFloat(fields[0], 64)
}

// freeRAMGB sums MemFree+Buffers+Cached per spec §4.1.
func freeRAMGB(procRoot string) (float64, error) {
	f, err := os.Open(filepath.Join(procRoot, "meminfo"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var freeKB, buffersKB, cachedKB float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, _ := strconv.ParseFloat(fields[1], 64)
		switch fields[0] {
		case "MemFree:":
			freeKB = v
		case "Buffers:":
			buffersKB = v
		case "Cached:":
			cachedKB = v
		}
	}
	return (freeKB + buffersKB + cachedKB) / (1024 * 1024), nil
}

func freeDiskGB(drive string) (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(drive, &stat); err != nil {
		return 0, err
	}
	return float64(stat.Bavail) * float64(stat.Bsize) / (1024 * 1024 * 1024), nil
}

// --- per-PID accounting ---

type pidStat struct {
	utime, stime uint64
	vsize        int64
	rss          int64
}

// readPidStat parses the fields of /proc/<pid>/stat needed for resource
// accounting (spec §4.1: fields 14,15,23,24). The comm field may contain
// spaces or parens, so the real split point is the last ')'.
func readPidStat(procRoot string, pid int) (pidStat, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return pidStat{}, err
	}
	s := string(data)
	close := strings.LastIndexByte(s, ')')
	if close < 0 {
		return pidStat{}, fmt.Errorf("malformed stat for pid %d", pid)
	}
	rest := strings.Fields(s[close+1:])
	// rest[0] is field 3 (state); field 14 is rest[11], field 15 rest[12],
	// field 23 rest[20], field 24 rest[21].
	if len(rest) < 22 {
		return pidStat{}, fmt.Errorf("short stat for pid %d", pid)
	}
	utime, _ := strconv.ParseUint(rest[11], 10, 64)
	stime, _ := strconv.ParseUint(rest[12], 10, 64)
	vsize, _ := strconv.ParseInt(rest[20], 10, 64)
	rss, _ := strconv.ParseInt(rest[21], 10, 64)
	return pidStat{utime: utime, stime: stime, vsize: vsize, rss: rss}, nil
}

// --- GPU discovery ---

// probeGPU runs the platform-default probe command (or the profile's
// override) and classifies the first matching display-adapter line,
// the same "shell out, parse defensively, degrade to zero on failure"
// shape as internal/collector/system.go's collectDmesg/collectFilesystems.
func probeGPU(overrideCmd string, excludes []string) (count, level int, label string) {
	cmdline := overrideCmd
	if cmdline == "" {
		cmdline = "lspci -mm"
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
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "vga") && !strings.Contains(lower, "3d controller") && !strings.Contains(lower, "display") {
			continue
		}
		if matchesAny(line, excludes) {
			continue
		}
		count++
		if label == "" {
			switch {
			case containsFold(lower, "nvidia"), containsFold(lower, "amd"), containsFold(lower, "ati"), containsFold(lower, "intel-hd"), containsFold(lower, "intel hd"):
				level, label = 2, "gfx"
			default:
				level, label = 1, "basic"
			}
		}
	}
	if count == 0 {
		return 0, 0, "none"
	}
	return count, level, label
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), needle)
}

func matchesAny(line string, patterns []string) bool {
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, line); ok {
			return true
		}
	}
	return false
}
