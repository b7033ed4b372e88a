package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeProgressEndpointsAndMonotonic(t *testing.T) {
	// 0% encodes to 'A' and 100% to 'Z', and encode is monotonic with
	// percent.
	cases := []struct {
		percent float64
		want    Progress
	}{
		{0, 'A'},
		{100, 'Z'},
	}
	for _, tc := range cases {
		got := EncodeProgress(tc.percent)
		assert.Equal(t, tc.want, got, "percent=%v", tc.percent)
	}

	// Monotonic non-decreasing prefix up to D/E (spec §8.1 property 5).
	prev := ProgressActive
	for p := 0.0; p <= 100; p += 4.7 {
		cur := EncodeProgress(p)
		require.GreaterOrEqual(t, indexOf(cur), indexOf(prev))
		prev = cur
	}
}

func indexOf(p Progress) int {
	for i := 0; i < len(progressAlphabet); i++ {
		if progressAlphabet[i] == byte(p) {
			return i
		}
	}
	return -1
}

func TestIsIntermediate(t *testing.T) {
	assert.False(t, ProgressActive.IsIntermediate())
	assert.False(t, ProgressDone.IsIntermediate())
	assert.False(t, ProgressError.IsIntermediate())
	assert.True(t, Progress('M').IsIntermediate())
}

func TestCommandLogRef(t *testing.T) {
	c := &Command{JID: 100, TID: 1, CID: 5, Rev: 0, Login: "alice"}
	assert.Equal(t, "/J100/T1/C5.0/alice@blade01", c.LogRef("blade01"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "unknown", State(99).String())
}
