package main

import "testing"

func TestParseEngine(t *testing.T) {
	tests := []struct {
		in       string
		wantHost string
		wantPort int
		wantTLS  bool
	}{
		{"tractor-engine:80", "tractor-engine", 80, false},
		{"tractor-engine", "tractor-engine", 80, false},
		{"https://engine.site:443", "engine.site", 443, true},
		{"http://engine.site:8080", "engine.site", 8080, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			host, port, tls := parseEngine(tt.in)
			if host != tt.wantHost || port != tt.wantPort || tls != tt.wantTLS {
				t.Errorf("parseEngine(%q) = (%q,%d,%v), want (%q,%d,%v)",
					tt.in, host, port, tls, tt.wantHost, tt.wantPort, tt.wantTLS)
			}
		})
	}
}

func TestParseListen(t *testing.T) {
	tests := []struct {
		in       string
		wantIf   string
		wantPort int
	}{
		{"0", "", 0},
		{"9234", "", 9234},
		{"127.0.0.1:9234", "127.0.0.1", 9234},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			iface, port := parseListen(tt.in)
			if iface != tt.wantIf || port != tt.wantPort {
				t.Errorf("parseListen(%q) = (%q,%d), want (%q,%d)", tt.in, iface, port, tt.wantIf, tt.wantPort)
			}
		})
	}
}
