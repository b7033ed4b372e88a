package profile

import "strings"

// parseServiceKey splits a Provides entry like "render(after:comp,max:3)"
// or a bare "sim" or an exclusive "X" marker into its bare name and
// parenthesized annotations (spec §4.3), generalizing the teacher's
// table-driven registry.ToolSpec parsing style to a small annotation
// grammar instead of a fixed flag set.
func parseServiceKey(raw string) (name string, exclusive bool, max int, after string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, 0, ""
	}

	open := strings.IndexByte(raw, '(')
	if open < 0 {
		if raw == "X" {
			return "", true, 0, ""
		}
		return raw, false, 0, ""
	}

	name = strings.TrimSpace(raw[:open])
	close := strings.LastIndexByte(raw, ')')
	if close < open {
		return name, false, 0, ""
	}
	body := raw[open+1 : close]

	for _, ann := range strings.Split(body, ",") {
		ann = strings.TrimSpace(ann)
		switch {
		case ann == "X" || ann == "exclusive":
			exclusive = true
		case strings.HasPrefix(ann, "max:"):
			max = atoiSafe(strings.TrimPrefix(ann, "max:"))
		case strings.HasPrefix(ann, "after:"):
			after = strings.TrimPrefix(ann, "after:")
		}
	}
	return name, exclusive, max, after
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// buildServiceKeyTables turns a flat Provides list into the three lookup
// tables the Runner consults when deciding which keys to advertise
// (spec §4.3 / model.Profile.ExclusiveKeys / CountedKeys / AfterKeys).
func buildServiceKeyTables(provides []string) (keys []string, exclusive map[string]bool, counted map[string]int, after map[string]string) {
	exclusive = map[string]bool{}
	counted = map[string]int{}
	after = map[string]string{}

	for _, raw := range provides {
		name, isExcl, max, afterKey := parseServiceKey(raw)
		if name == "" {
			continue
		}
		keys = append(keys, name)
		if isExcl {
			exclusive[name] = true
		}
		if max > 0 {
			counted[name] = max
		}
		if afterKey != "" {
			after[name] = afterKey
		}
	}
	return keys, exclusive, counted, after
}
