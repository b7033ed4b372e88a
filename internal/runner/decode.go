package runner

import (
	"github.com/tractor-project/blade/internal/model"
)

// decodeCommand builds a model.Command from a task?q=nextcmd reply body,
// tolerating the same loosely-typed JSON-ish map the Profile Manager
// already copes with (engine numbers decode as float64, engine arrays as
// []any) -- see internal/profile/profile.go's numVal/stringList helpers,
// which this mirrors rather than imports since Command decoding needs a
// few extra shapes (DirMaps, YieldTest) that profile decoding doesn't.
func decodeCommand(body map[string]any) *model.Command {
	if body == nil {
		return nil
	}
	c := &model.Command{
		JID:    intField(body["jid"]),
		TID:    intField(body["tid"]),
		CID:    intField(body["cid"]),
		Rev:    intField(body["rev"]),
		Argv:   stringSlice(body["argv"]),
		EnvKey: stringSlice(body["envkey"]),
		SvcKey: stringSlice(body["svckey"]),
		Slots:  int(intField(body["slots"])),

		Login:     stringField(body["owner"]),
		SpoolHost: stringField(body["spoolhost"]),
		SpoolAddr: stringField(body["spooladdr"]),
		UDir:      stringField(body["udir"]),
		InMsg:     stringField(body["inmsg"]),

		Expands:    boolField(body["expands"]),
		ExpandFile: stringField(body["expandfile"]),

		Resumable: boolField(body["resumable"]),
		AltMode:   model.AltMode(stringField(body["altmode"])),

		State: model.StateReceived,
		Inv: model.InvocationState{
			Progress: model.ProgressActive,
		},
	}
	if c.CID == 0 && c.JID == 0 && c.TID == 0 {
		return nil
	}
	if c.AltMode == "" {
		c.AltMode = model.ModeRegular
	}

	c.RuntimeBounds = model.RuntimeBounds{
		Min: floatField(body["minruntime"]),
		Max: floatField(body["maxruntime"]),
	}
	if yt, ok := body["yieldtest"].(map[string]any); ok {
		c.YieldTest = &model.YieldTest{
			SentinelExitCode: int(intField(yt["exitcode"])),
			CheckpointFile:   stringField(yt["checkpointfile"]),
		}
	}
	return c
}

func intField(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int:
		return int64(t)
	case int64:
		return t
	default:
		return 0
	}
}

func floatField(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	default:
		return 0
	}
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}

func boolField(v any) bool {
	b, _ := v.(bool)
	return b
}

func stringSlice(v any) []string {
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
