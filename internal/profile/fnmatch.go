package profile

import (
	"net"
	"path/filepath"
	"strings"
)

// matchAny reports whether candidate matches any of the shell-style
// patterns in patterns (spec §4.3's fnmatch against hostname/alias/
// address). An empty pattern list matches everything, mirroring the
// original client's "absence of a Hosts.Name block means any host."
func matchAny(patterns []string, candidate string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, candidate); ok {
			return true
		}
	}
	return false
}

// matchesHostIdentity tests a Name match block against hostname, every
// alias, and every address, with a last-resort DNS round-trip (resolve
// each pattern and see if it lands on one of our addresses) for the
// case where the pattern is itself a hostname rather than a glob.
func matchesHostIdentity(patterns []string, hostname string, aliases, addrs []string) bool {
	if len(patterns) == 0 {
		return true
	}
	if matchAny(patterns, hostname) {
		return true
	}
	for _, a := range aliases {
		if matchAny(patterns, a) {
			return true
		}
	}
	for _, a := range addrs {
		if matchAny(patterns, a) {
			return true
		}
	}
	for _, pat := range patterns {
		if strings.ContainsAny(pat, "*?[") {
			continue // globs can't be resolved as literal hostnames
		}
		ips, err := net.LookupIP(pat)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			for _, a := range addrs {
				if ip.String() == a {
					return true
				}
			}
		}
	}
	return false
}
