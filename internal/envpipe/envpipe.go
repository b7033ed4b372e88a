// Package envpipe assembles the per-launch environment and argv for a
// Command (spec §4.4): a chain of polymorphic Handlers contributes
// environment variables and argv rewrites, in the order the command's
// own envkey list names them, falling back to a built-in default
// handler. The handler-chain shape mirrors how internal/executor/
// executor.go and security.go separate "resolve/sanitize" from
// "launch," generalized here into a pluggable chain instead of a single
// fixed sanitizer.
package envpipe

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/tractor-project/blade/internal/model"
)

// Handler is the Environment Pipeline's unit of composition (spec §4.4).
type Handler interface {
	// Handles reports whether this handler owns the given envkey.
	Handles(key string) bool
	// UpdateEnvironment mutates/extends env for cmd's launch.
	UpdateEnvironment(cmd *model.Command, env map[string]string, keys []string) map[string]string
	// RemapArgs rewrites argv, substituting %-templates.
	RemapArgs(cmd *model.Command, env map[string]string, host string, argv []string) []string
}

// Pipeline holds the ordered handler registry and the inbound baseline
// environment captured once at startup (spec §4.4 step 1).
type Pipeline struct {
	handlers []Handler
	baseline map[string]string
}

// New captures the current process environment as the baseline and
// installs the built-in handlers (default, setenv). Site handlers
// loaded from SiteModulesPath are appended via AddHandler.
func New() *Pipeline {
	p := &Pipeline{baseline: snapshotEnv()}
	p.handlers = append(p.handlers, &defaultHandler{}, &setenvHandler{})
	return p
}

// AddHandler appends a site- or app-specific handler; handlers are
// consulted in registration order, first-match-wins per key (spec §4.4
// step 3).
func (p *Pipeline) AddHandler(h Handler) {
	p.handlers = append(p.handlers, h)
}

// AugmentBaseline folds CLI-supplied overrides (--env=file or explicit
// PYTHONHOME/LD_LIBRARY_PATH/DYLD_FRAMEWORK_PATH values) onto the
// captured baseline (spec §4.4 step 1).
func (p *Pipeline) AugmentBaseline(overrides map[string]string) {
	for k, v := range overrides {
		p.baseline[k] = v
	}
}

func snapshotEnv() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// Build performs the per-launch composition (spec §4.4 steps 2-4): a
// deep copy of the baseline, ensuring TRACTOR_ENGINE/TRACTOR_MONITOR are
// present, then threading every handler matched by cmd's envkey list.
func (p *Pipeline) Build(cmd *model.Command, engineAddr, monitorAddr string) map[string]string {
	env := make(map[string]string, len(p.baseline)+8)
	for k, v := range p.baseline {
		env[k] = v
	}
	if _, ok := env["TRACTOR_ENGINE"]; !ok {
		env["TRACTOR_ENGINE"] = engineAddr
	}
	if _, ok := env["TRACTOR_MONITOR"]; !ok {
		env["TRACTOR_MONITOR"] = monitorAddr
	}

	keys := orderedUniqueKeys(cmd.EnvKey)
	for _, key := range keys {
		h := p.firstHandler(key)
		if h == nil {
			continue
		}
		before := make(map[string]string, len(env))
		for k, v := range env {
			before[k] = v
		}
		env = h.UpdateEnvironment(cmd, env, keys)
		// "@+:" appends to the value the variable had before this handler;
		// with no earlier value, applyTemplates strips the prefix.
		for k, v := range env {
			if rest, ok := strings.CutPrefix(v, "@+:"); ok {
				if old, had := before[k]; had && old != v {
					env[k] = old + rest
				}
			}
		}
	}
	env = applyTemplates(env)
	return env
}

// RemapArgv runs every handler's RemapArgs in order, each able to
// rewrite argv tokens (spec §4.4 step 5), then resolves dirmap
// substitutions and splits a space-embedded argv[0].
func (p *Pipeline) RemapArgv(cmd *model.Command, env map[string]string, host string, dirmaps []model.DirMap, zone string) []string {
	argv := append([]string(nil), cmd.Argv...)
	keys := orderedUniqueKeys(cmd.EnvKey)
	for _, key := range keys {
		h := p.firstHandler(key)
		if h == nil {
			continue
		}
		argv = h.RemapArgs(cmd, env, host, argv)
	}
	argv = resolveDirmaps(argv, dirmaps, zone)
	argv = splitEmbeddedFlag(argv)
	return argv
}

func (p *Pipeline) firstHandler(key string) Handler {
	for _, h := range p.handlers {
		if h.Handles(key) {
			return h
		}
	}
	return nil
}

// orderedUniqueKeys returns cmd.envkey ∪ {"default"}, preserving first
// occurrence order (spec §4.4 step 3).
func orderedUniqueKeys(keys []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(keys)+1)
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, k := range keys {
		add(k)
	}
	add("default")
	return out
}

var templateVar = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// applyTemplates resolves ${NAME} references and "@+" append-prefixes
// (spec §4.4 step 4). Substitution runs twice: once within each value in
// isolation, once against the fully accumulated env, matching the
// original two-pass semantics.
func applyTemplates(env map[string]string) map[string]string {
	resolve := func(v string, lookup map[string]string) string {
		return templateVar.ReplaceAllStringFunc(v, func(m string) string {
			name := templateVar.FindStringSubmatch(m)[1]
			if val, ok := lookup[name]; ok {
				return val
			}
			return m
		})
	}

	pass1 := make(map[string]string, len(env))
	for k, v := range env {
		pass1[k] = resolve(v, env)
	}

	out := make(map[string]string, len(pass1))
	for k, v := range pass1 {
		resolved := resolve(v, pass1)
		if rest, ok := strings.CutPrefix(resolved, "@+:"); ok {
			if existing, had := out[k]; had {
				out[k] = existing + rest
				continue
			}
			out[k] = rest
			continue
		}
		out[k] = resolved
	}
	return out
}

// resolveDirmaps substitutes %D(path) argv tokens with the first
// remaining dirmap whose From is a prefix of path, after filtering
// entries whose Zone doesn't match the active profile (spec §4.4's
// dirmap rules, referenced from §4.5).
func resolveDirmaps(argv []string, dirmaps []model.DirMap, zone string) []string {
	var active []model.DirMap
	for _, d := range dirmaps {
		if d.Zone == zone {
			active = append(active, d)
		}
	}
	if len(active) == 0 {
		return argv
	}

	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = replaceDirmapTokens(a, active)
	}
	return out
}

var dirmapToken = regexp.MustCompile(`%D\(([^)]*)\)`)

func replaceDirmapTokens(arg string, dirmaps []model.DirMap) string {
	return dirmapToken.ReplaceAllStringFunc(arg, func(m string) string {
		path := dirmapToken.FindStringSubmatch(m)[1]
		for _, d := range dirmaps {
			if strings.HasPrefix(path, d.From) {
				return d.To + strings.TrimPrefix(path, d.From)
			}
		}
		return path
	})
}

// splitEmbeddedFlag implements the second dirmap pass: argv[0]
// containing a space followed by a flag token is split into separate
// argv items, with quoted substrings protected.
func splitEmbeddedFlag(argv []string) []string {
	if len(argv) == 0 {
		return argv
	}
	head := argv[0]
	idx := strings.IndexAny(head, " ")
	if idx < 0 {
		return argv
	}
	rest := head[idx+1:]
	if len(rest) == 0 || (rest[0] != '-' && rest[0] != '/') {
		return argv
	}
	split := splitQuoted(head)
	if len(split) <= 1 {
		return argv
	}
	out := append([]string(nil), split...)
	out = append(out, argv[1:]...)
	return out
}

func splitQuoted(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote := byte(0)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '"' || c == '\'':
			inQuote = c
		case c == ' ':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

// ApplyMetaTemplates substitutes the %h/%H/%j/%J/%t/%c/%i/%r/%R/%q/%Y/%n/%%
// job-metadata tokens (spec §4.4 step 5) that don't depend on a specific
// handler's own data. %x, like any other unrecognised token, is not
// substituted and passes through unchanged.
func ApplyMetaTemplates(cmd *model.Command, host string, peerHosts []string, argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = substituteMeta(a, cmd, host, peerHosts)
	}
	return out
}

func substituteMeta(arg string, cmd *model.Command, host string, peerHosts []string) string {
	replacer := func(tok byte) (string, bool) {
		switch tok {
		case 'j':
			return fmt.Sprintf("%d", cmd.JID), true
		case 'J':
			return fmt.Sprintf("job%d", cmd.JID), true
		case 't':
			return fmt.Sprintf("%d", cmd.TID), true
		case 'c':
			return fmt.Sprintf("%d", cmd.CID), true
		case 'i':
			return fmt.Sprintf("%d", cmd.CID), true
		case 'r':
			return fmt.Sprintf("%d", cmd.Rev), true
		case 'R':
			if cmd.Resumable {
				return "1", true
			}
			return "0", true
		case 'q':
			return strings.Join(cmd.SvcKey, " "), true
		case 'Y':
			return string(cmd.AltMode), true
		case 'n':
			return host, true
		case 'h':
			return strings.Join(peerHosts, ","), true
		case 'H':
			var b strings.Builder
			fmt.Fprintf(&b, "-T=%s -h %s", cmd.LogRef(host), strings.Join(peerHosts, " -h "))
			return b.String(), true
		case '%':
			return "%", true
		default:
			return "", false
		}
	}

	var b strings.Builder
	for i := 0; i < len(arg); i++ {
		if arg[i] != '%' || i+1 >= len(arg) {
			b.WriteByte(arg[i])
			continue
		}
		if rep, ok := replacer(arg[i+1]); ok {
			b.WriteString(rep)
			i++
			continue
		}
		b.WriteByte(arg[i])
	}
	return b.String()
}
