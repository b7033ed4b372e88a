package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileCloneIndependence(t *testing.T) {
	p := &Profile{
		Name:          "base",
		ServiceKeys:   []string{"render", "sim"},
		ExclusiveKeys: map[string]bool{"render": true},
		CountedKeys:   map[string]int{"sim": 2},
		AfterKeys:     map[string]string{"comp": "render"},
	}
	cp := p.Clone()
	require.NotNil(t, cp)

	cp.ServiceKeys[0] = "mutated"
	cp.ExclusiveKeys["sim"] = true
	cp.CountedKeys["sim"] = 99

	assert.Equal(t, "render", p.ServiceKeys[0], "clone must not alias the original slice")
	assert.False(t, p.ExclusiveKeys["sim"], "clone must not alias the original map")
	assert.Equal(t, 2, p.CountedKeys["sim"])
}

func TestResetProfileDetails(t *testing.T) {
	p := &Profile{
		CmdOutputLogging: CmdOutputLogging{LogServer: "logs:9000"},
		DirmapZone:       "nfs",
		FatalExitStatus:  []int{1, 2},
		SubstJobCWD:      true,
	}
	snap := ResetProfileDetails(p)
	assert.Equal(t, "logs:9000", snap.CmdOutputLogging.LogServer)
	assert.Equal(t, "nfs", snap.DirmapZone)
	assert.True(t, snap.SubstJobCWD)

	// mutating the profile afterwards must not affect the snapshot
	p.DirmapZone = "unc"
	assert.Equal(t, "nfs", snap.DirmapZone)
}

func TestAdvertisedSvckeysGating(t *testing.T) {
	p := &Profile{
		ServiceKeys: []string{"render", "sim", "comp"},
		CountedKeys: map[string]int{"sim": 1},
		AfterKeys:   map[string]string{"comp": "render"},
	}

	// Nothing in use: sim is not saturated (tally 0 < 1) so it's still
	// offered; comp requires render in use, which it isn't yet.
	snap := Snapshot{Profile: p, SvckeyTally: map[string]int{}, ExcludeTracking: map[string]bool{}}
	got := snap.AdvertisedSvckeys()
	assert.ElementsMatch(t, []string{"render", "sim"}, got)

	// sim saturated: dropped. render in use: comp now offered.
	snap.SvckeyTally["sim"] = 1
	snap.ExcludeTracking["render"] = true
	got = snap.AdvertisedSvckeys()
	assert.ElementsMatch(t, []string{"render", "comp"}, got)
}
