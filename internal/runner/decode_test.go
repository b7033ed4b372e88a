package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tractor-project/blade/internal/model"
)

func TestDecodeCommandNilOnEmptyIdentity(t *testing.T) {
	assert.Nil(t, decodeCommand(nil))
	assert.Nil(t, decodeCommand(map[string]any{"owner": "alice"}))
}

func TestDecodeCommandMapsFields(t *testing.T) {
	body := map[string]any{
		"jid":        float64(101),
		"tid":        float64(2),
		"cid":        float64(5001),
		"rev":        float64(3),
		"argv":       []any{"render", "-f", "42"},
		"envkey":     []any{"PATH", "HOME"},
		"svckey":     []any{"render"},
		"slots":      float64(2),
		"owner":      "alice",
		"spoolhost":  "spool01",
		"spooladdr":  "10.0.0.5",
		"udir":       "/jobs/101",
		"inmsg":      "frame 42",
		"expands":    true,
		"expandfile": "expand.json",
		"resumable":  true,
		"altmode":    "metered",
		"minruntime": float64(1.5),
		"maxruntime": float64(120.0),
		"yieldtest": map[string]any{
			"exitcode":       float64(99),
			"checkpointfile": "ckpt.state",
		},
	}

	c := decodeCommand(body)
	require.NotNil(t, c)
	assert.Equal(t, int64(101), c.JID)
	assert.Equal(t, int64(2), c.TID)
	assert.Equal(t, int64(5001), c.CID)
	assert.Equal(t, int64(3), c.Rev)
	assert.Equal(t, []string{"render", "-f", "42"}, c.Argv)
	assert.Equal(t, []string{"PATH", "HOME"}, c.EnvKey)
	assert.Equal(t, []string{"render"}, c.SvcKey)
	assert.Equal(t, 2, c.Slots)
	assert.Equal(t, "alice", c.Login)
	assert.Equal(t, "spool01", c.SpoolHost)
	assert.Equal(t, "10.0.0.5", c.SpoolAddr)
	assert.True(t, c.Expands)
	assert.True(t, c.Resumable)
	assert.Equal(t, model.AltMode("metered"), c.AltMode)
	assert.Equal(t, 1.5, c.RuntimeBounds.Min)
	assert.Equal(t, 120.0, c.RuntimeBounds.Max)
	require.NotNil(t, c.YieldTest)
	assert.Equal(t, 99, c.YieldTest.SentinelExitCode)
	assert.Equal(t, "ckpt.state", c.YieldTest.CheckpointFile)
	assert.Equal(t, model.StateReceived, c.State)
	assert.Equal(t, model.ProgressActive, c.Inv.Progress)
}

func TestDecodeCommandDefaultsAltMode(t *testing.T) {
	body := map[string]any{"jid": float64(1), "tid": float64(1), "cid": float64(1)}
	c := decodeCommand(body)
	require.NotNil(t, c)
	assert.Equal(t, model.ModeRegular, c.AltMode)
	assert.Nil(t, c.YieldTest)
}

func TestStringSliceShapes(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, stringSlice([]string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, stringSlice([]any{"a", "b"}))
	assert.Equal(t, []string{"solo"}, stringSlice("solo"))
	assert.Nil(t, stringSlice(nil))
	assert.Nil(t, stringSlice(42))
}

func TestIntFieldShapes(t *testing.T) {
	assert.Equal(t, int64(7), intField(float64(7)))
	assert.Equal(t, int64(7), intField(7))
	assert.Equal(t, int64(7), intField(int64(7)))
	assert.Equal(t, int64(0), intField("nope"))
}
