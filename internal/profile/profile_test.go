package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tractor-project/blade/internal/model"
)

func TestParseServiceKey(t *testing.T) {
	cases := []struct {
		raw      string
		wantName string
		wantExcl bool
		wantMax  int
		wantAfter string
	}{
		{"render", "render", false, 0, ""},
		{"X", "", true, 0, ""},
		{"sim(max:3)", "sim", false, 3, ""},
		{"comp(after:render,max:2)", "comp", false, 2, "render"},
	}
	for _, tc := range cases {
		name, excl, max, after := parseServiceKey(tc.raw)
		assert.Equal(t, tc.wantName, name, tc.raw)
		assert.Equal(t, tc.wantExcl, excl, tc.raw)
		assert.Equal(t, tc.wantMax, max, tc.raw)
		assert.Equal(t, tc.wantAfter, after, tc.raw)
	}
}

func TestBuildServiceKeyTables(t *testing.T) {
	keys, excl, counted, after := buildServiceKeyTables([]string{"render", "sim(max:2)", "comp(after:render)"})
	assert.ElementsMatch(t, []string{"render", "sim", "comp"}, keys)
	assert.Equal(t, 2, counted["sim"])
	assert.Equal(t, "render", after["comp"])
	assert.Empty(t, excl)
}

func TestMatchAnyEmptyMatchesEverything(t *testing.T) {
	assert.True(t, matchAny(nil, "anything"))
	assert.True(t, matchAny([]string{"blade*"}, "blade01"))
	assert.False(t, matchAny([]string{"blade*"}, "render01"))
}

func TestHostsMatchPlatformAndNCPU(t *testing.T) {
	facts := model.HostFacts{Hostname: "blade07", OSType: model.OSLinux, NCPUs: 32, PhysRAMGB: 64}
	entry := map[string]any{
		"Hosts": map[string]any{
			"Platform": []any{"linux"},
			"MinNCPU":  float64(16),
		},
	}
	assert.True(t, hostsMatch(entry, facts))

	entry["Hosts"].(map[string]any)["MinNCPU"] = float64(64)
	assert.False(t, hostsMatch(entry, facts))
}

func TestSelectEntryOverrideBypassesMatch(t *testing.T) {
	facts := model.HostFacts{Hostname: "blade07", OSType: model.OSLinux, NCPUs: 4}
	entries := []any{
		map[string]any{"Name": "gpu-farm", "Hosts": map[string]any{"MinNGPU": float64(1)}},
		map[string]any{"Name": "render-default"},
	}
	got, err := selectEntry(entries, map[string]any{}, facts, "gpu-farm")
	require.NoError(t, err)
	assert.Equal(t, "gpu-farm", got["Name"])
}

func TestSelectEntryMatchesFirstEligible(t *testing.T) {
	facts := model.HostFacts{Hostname: "blade07", OSType: model.OSLinux, NCPUs: 4, GPUCount: 0}
	entries := []any{
		map[string]any{"Name": "gpu-farm", "Hosts": map[string]any{"MinNGPU": float64(1)}},
		map[string]any{"Name": "render-default"},
	}
	got, err := selectEntry(entries, map[string]any{}, facts, "")
	require.NoError(t, err)
	assert.Equal(t, "render-default", got["Name"])
}

func TestBuildScratchProfileRejectsBadNumeric(t *testing.T) {
	merged := map[string]any{"Name": "bad", "maxslots": "not-a-number!"}
	_, err := buildScratchProfile(merged)
	require.Error(t, err)
}

func TestBuildScratchProfileValid(t *testing.T) {
	merged := map[string]any{
		"Name":     "render-default",
		"maxslots": float64(4),
		"maxload":  float64(1.5),
		"Provides": []any{"render", "sim(max:2)"},
	}
	p, err := buildScratchProfile(merged)
	require.NoError(t, err)
	assert.Equal(t, "render-default", p.Name)
	assert.Equal(t, 4, p.MaxSlots)
	assert.InDelta(t, 1.5, p.MaxLoad, 0.001)
	assert.ElementsMatch(t, []string{"render", "sim"}, p.ServiceKeys)
}
