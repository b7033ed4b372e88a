// Package profile implements the blade's Profile Manager: fetching the
// BladeProfiles list from the engine, matching the first eligible entry
// against host facts, and atomically swapping it into place. It
// generalizes internal/orchestrator/profiles.go's named-preset registry
// (which falls back to "standard" on an unknown name) into a
// fetch-match-apply pipeline driven by server data instead of a
// hardcoded map, and borrows internal/executor/registry.go's
// table-driven-spec style for the service-key tables.
package profile

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/viper"

	"github.com/tractor-project/blade/internal/enginerpc"
	"github.com/tractor-project/blade/internal/model"
)

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// Manager owns the currently active Profile and performs fetch/match/
// apply cycles against the engine.
type Manager struct {
	logger hclog.Logger
	rpc    *enginerpc.Client

	mu      sync.RWMutex
	current *model.Profile
	lmt     string // last X-Tractor-Lmt, echoed on subsequent state reports
	profileOK bool

	overrideName string // --profile=X bypasses matching
}

// New returns a Manager with the built-in fallback profile installed,
// so the blade always has something to run with even before the first
// successful fetch.
func New(logger hclog.Logger, rpc *enginerpc.Client, overrideName string) *Manager {
	return &Manager{
		logger:       logger.Named("profile"),
		rpc:          rpc,
		current:      builtinFallback(),
		overrideName: overrideName,
	}
}

// Current returns the active profile (safe for concurrent read from the
// Runner's advertised-svckeys computation).
func (m *Manager) Current() *model.Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ProfileOK reports whether the most recent fetch succeeded at least
// once; the caller uses this to decide whether to advertise readiness.
func (m *Manager) ProfileOK() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profileOK
}

// Lmt returns the cached profile cache key for echoing on state reports.
func (m *Manager) Lmt() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lmt
}

// Fetch runs the full fetchProfiles(currentState) operation (spec §4.3
// step 1-5): query the engine, merge defaults, match against facts, and
// apply the winner. On any transport or 412 (out-of-date) error the
// previous profile, if any, stays active.
func (m *Manager) Fetch(ctx context.Context, facts model.HostFacts, stateParams url.Values) error {
	verb := "config?q=profiles&file=blade.config"
	if len(stateParams) > 0 {
		verb += "&" + stateParams.Encode()
	}

	reply, err := m.rpc.Transaction(ctx, verb, "", nil)
	if err != nil {
		m.logger.Warn("profile fetch failed, retaining previous profile", "err", err)
		return err
	}
	if reply.ErrCode == 412 {
		return fmt.Errorf("profile config out of date (412), will retry")
	}
	if reply.ErrCode != 0 {
		m.logger.Warn("profile fetch returned engine error, retaining previous profile", "code", reply.ErrCode)
		return fmt.Errorf("engine returned error code %d", reply.ErrCode)
	}

	merged, err := mergeDefaults(reply.Body["ProfileDefaults"])
	if err != nil {
		return fmt.Errorf("merge profile defaults: %w", err)
	}

	entries, _ := reply.Body["BladeProfiles"].([]any)
	chosen, err := selectEntry(entries, merged, facts, m.overrideName)
	if err != nil {
		m.logger.Warn("no profile entry matched, retaining previous profile", "err", err)
		return err
	}

	scratch, err := buildScratchProfile(chosen)
	if err != nil {
		// Apply discipline: never partially install a bad profile.
		m.logger.Error("profile validation failed, retaining previous profile", "err", err)
		return err
	}

	m.mu.Lock()
	m.current = scratch
	m.profileOK = true
	if lmt, ok := reply.Lmt, reply.Lmt != ""; ok {
		m.lmt = lmt
	}
	m.mu.Unlock()
	m.logger.Info("profile applied", "name", scratch.Name)
	return nil
}

// mergeDefaults deep-merges the engine-provided ProfileDefaults map onto
// a built-in fallback dictionary using viper's layered config merge
// (spec §4.3 step 2), rather than hand-rolling map merging.
func mergeDefaults(raw any) (map[string]any, error) {
	v := viper.New()
	if err := v.MergeConfigMap(builtinDefaultsDict()); err != nil {
		return nil, err
	}
	if m, ok := raw.(map[string]any); ok {
		if err := v.MergeConfigMap(m); err != nil {
			return nil, err
		}
	}
	return v.AllSettings(), nil
}

func builtinDefaultsDict() map[string]any {
	return map[string]any{
		"maxslots":   1,
		"maxload":    1.0,
		"minram":     0.0,
		"mindisk":    0.0,
		"dirmapzone": "nfs",
	}
}

// selectEntry walks BladeProfiles in order, deep-merging each onto
// defaults and testing its Hosts block (spec §4.3 step 4), honoring an
// operator-supplied --profile override that bypasses matching entirely.
func selectEntry(entries []any, defaults map[string]any, facts model.HostFacts, overrideName string) (map[string]any, error) {
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["Name"].(string)

		if overrideName != "" {
			if name == overrideName {
				return deepMerge(defaults, entry), nil
			}
			continue
		}

		if !hostsMatch(entry, facts) {
			continue
		}
		return deepMerge(defaults, entry), nil
	}
	if overrideName != "" {
		return nil, fmt.Errorf("no profile entry named %q", overrideName)
	}
	return nil, fmt.Errorf("no profile entry matched this host")
}

func hostsMatch(entry map[string]any, facts model.HostFacts) bool {
	hosts, ok := entry["Hosts"].(map[string]any)
	if !ok {
		return true // absence of a Hosts block matches any host
	}

	if names := stringList(hosts["Name"]); len(names) > 0 {
		if !matchesHostIdentity(names, facts.Hostname, facts.Aliases, facts.Addrs) {
			return false
		}
	}
	if plats := stringList(hosts["Platform"]); len(plats) > 0 {
		if !matchAny(plats, osExtPlatform(facts.OSType)) {
			return false
		}
	}
	if v, ok := numVal(hosts["MinNCPU"]); ok && float64(facts.NCPUs) < v {
		return false
	}
	if v, ok := numVal(hosts["NCPU"]); ok && float64(facts.NCPUs) != v {
		return false
	}
	if v, ok := numVal(hosts["MinNGPU"]); ok && float64(facts.GPUCount) < v {
		return false
	}
	if v, ok := numVal(hosts["MinPhysRAM"]); ok && facts.PhysRAMGB < v {
		return false
	}
	if v, ok := numVal(hosts["PhysRAM"]); ok && facts.PhysRAMGB != v {
		return false
	}
	if gpu, ok := hosts["GPU"].(map[string]any); ok {
		if v, ok := numVal(gpu["count"]); ok && float64(facts.GPUCount) != v {
			return false
		}
		if v, ok := numVal(gpu["level"]); ok && float64(facts.GPULevel) != v {
			return false
		}
		if label, ok := gpu["label"].(string); ok && label != "" && label != facts.GPULabel {
			return false
		}
	}
	if paths := stringList(hosts["PathExists"]); len(paths) > 0 {
		for _, p := range paths {
			if !pathExists(p) {
				return false
			}
		}
	}
	return true
}

func osExtPlatform(t model.OSType) string {
	switch t {
	case model.OSLinux:
		return "linux"
	case model.OSMacOS:
		return "osx"
	case model.OSWindows:
		return "win"
	default:
		return "unknown"
	}
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	default:
		return nil
	}
}

func numVal(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

func deepMerge(base map[string]any, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = deepMerge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// builtinFallback is installed before the first successful Fetch so the
// blade can run with sane (if conservative) defaults.
func builtinFallback() *model.Profile {
	return &model.Profile{
		Name:     "builtin-fallback",
		InService: true,
		MaxSlots: 1,
		MaxLoad:  1.0,
		ServiceKeys: []string{"pixarRender"},
	}
}

// validateInt coerces v to an int, returning ok=false (and leaving out
// untouched) on failure -- coercion failures must never partially
// install a bad profile (spec §4.3 apply discipline).
func validateInt(v any, out *int) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case float64:
		*out = int(t)
		return true
	case int:
		*out = t
		return true
	case string:
		n := 0
		for _, c := range t {
			if c < '0' || c > '9' {
				return false
			}
			n = n*10 + int(c-'0')
		}
		*out = n
		return true
	default:
		return false
	}
}

func validateFloat(v any, out *float64) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case float64:
		*out = t
		return true
	case int:
		*out = float64(t)
		return true
	default:
		return false
	}
}

func validateBool(v any, out *bool) bool {
	if v == nil {
		return true
	}
	b, ok := v.(bool)
	if !ok {
		return false
	}
	*out = b
	return true
}

// buildScratchProfile validates every numeric field by attempting
// coercion into a scratch model.Profile; any single failure aborts the
// whole build with no partial mutation of the caller's current profile
// (spec §4.3 apply discipline).
func buildScratchProfile(merged map[string]any) (*model.Profile, error) {
	p := &model.Profile{InService: true}

	if name, ok := merged["Name"].(string); ok {
		p.Name = name
	}
	if !validateInt(merged["maxslots"], &p.MaxSlots) {
		return nil, fmt.Errorf("invalid maxslots value")
	}
	if !validateFloat(merged["maxload"], &p.MaxLoad) {
		return nil, fmt.Errorf("invalid maxload value")
	}
	if !validateFloat(merged["minram"], &p.MinRAM) {
		return nil, fmt.Errorf("invalid minram value")
	}
	if !validateFloat(merged["mindisk"], &p.MinDisk) {
		return nil, fmt.Errorf("invalid mindisk value")
	}
	if !validateBool(merged["inservice"], &p.InService) {
		return nil, fmt.Errorf("invalid inservice value")
	}
	if zone, ok := merged["dirmapzone"].(string); ok {
		p.DirmapZone = zone
	}

	provides := stringList(merged["Provides"])
	p.ServiceKeys, p.ExclusiveKeys, p.CountedKeys, p.AfterKeys = buildServiceKeyTables(provides)

	p.EnvKeyList = stringList(merged["EnvKeyList"])
	p.SiteModulesPath = strings.TrimSpace(fmt.Sprint(merged["SiteModulesPath"]))
	if p.SiteModulesPath == "<nil>" {
		p.SiteModulesPath = ""
	}

	return p, nil
}
