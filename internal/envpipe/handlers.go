package envpipe

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/tractor-project/blade/internal/model"
)

// defaultHandler is always consulted last (every key falls back to it via
// the "default" sentinel appended in orderedUniqueKeys). It adds the
// TR_ENV_* job-identity variables and propagates REMOTEHOST for remotely
// spooled commands (spec §4.4).
type defaultHandler struct{}

func (defaultHandler) Handles(key string) bool { return key == "default" }

func (defaultHandler) UpdateEnvironment(cmd *model.Command, env map[string]string, _ []string) map[string]string {
	env["TR_ENV_JID"] = fmt.Sprintf("%d", cmd.JID)
	env["TR_ENV_TID"] = fmt.Sprintf("%d", cmd.TID)
	env["TR_ENV_CID"] = fmt.Sprintf("%d", cmd.CID)
	env["TR_ENV_KEY"] = strings.Join(cmd.SvcKey, " ")
	env["TR_SPOOLHOST"] = cmd.SpoolHost
	env["TR_SPOOLADDR"] = cmd.SpoolAddr
	if cmd.SpoolAddr != "" {
		env["REMOTEHOST"] = cmd.SpoolAddr
	}
	return env
}

func (defaultHandler) RemapArgs(_ *model.Command, _ map[string]string, _ string, argv []string) []string {
	return argv
}

// setenvHandler is keyed by "setenv *" entries; the key text itself
// carries "VAR=VAL" or "VAR VAL" pairs to inject (spec §4.4).
type setenvHandler struct{}

func (setenvHandler) Handles(key string) bool { return strings.HasPrefix(key, "setenv ") }

func (setenvHandler) UpdateEnvironment(_ *model.Command, env map[string]string, keys []string) map[string]string {
	for _, key := range keys {
		if !strings.HasPrefix(key, "setenv ") {
			continue
		}
		pair := strings.TrimSpace(strings.TrimPrefix(key, "setenv "))
		var name, val string
		if k, v, ok := strings.Cut(pair, "="); ok {
			name, val = k, v
		} else if k, v, ok := strings.Cut(pair, " "); ok {
			name, val = k, v
		} else {
			name = pair
		}
		env[strings.TrimSpace(name)] = strings.TrimSpace(val)
	}
	return env
}

func (setenvHandler) RemapArgs(_ *model.Command, _ map[string]string, _ string, argv []string) []string {
	return argv
}

// appLocatorHandler finds an application's install root by scanning
// platform-standard base directories for a directory matching a version
// suffix, the way site configs name "houdini-19.5" style keys (spec
// §4.4's "app-specific handlers (locate install roots...)").
type appLocatorHandler struct {
	AppKey   string // envkey this handler owns, e.g. "houdini"
	EnvVar   string // env var to set to the resolved install root
	BaseDirs []string
}

var versionSuffix = regexp.MustCompile(`-?(\d+(\.\d+)*)$`)

func (h appLocatorHandler) Handles(key string) bool {
	return strings.HasPrefix(key, h.AppKey)
}

func (h appLocatorHandler) UpdateEnvironment(_ *model.Command, env map[string]string, keys []string) map[string]string {
	wantVersion := ""
	for _, key := range keys {
		if strings.HasPrefix(key, h.AppKey) {
			if m := versionSuffix.FindStringSubmatch(key); m != nil {
				wantVersion = m[1]
			}
		}
	}

	root := h.locate(wantVersion)
	if root != "" {
		env[h.EnvVar] = root
		env["PATH"] = root + string(os.PathListSeparator) + env["PATH"]
	}
	return env
}

func (h appLocatorHandler) RemapArgs(_ *model.Command, _ map[string]string, _ string, argv []string) []string {
	return argv
}

func (h appLocatorHandler) locate(wantVersion string) string {
	var candidates []string
	for _, base := range h.BaseDirs {
		entries, err := os.ReadDir(base)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || !strings.HasPrefix(e.Name(), h.AppKey) {
				continue
			}
			if wantVersion != "" && !strings.HasSuffix(e.Name(), wantVersion) {
				continue
			}
			candidates = append(candidates, filepath.Join(base, e.Name()))
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return candidates[len(candidates)-1] // lexically-last == highest version, by convention
}
