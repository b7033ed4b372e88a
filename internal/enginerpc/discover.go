package enginerpc

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	ssdpAddr    = "239.255.255.250:1900"
	ssdpST      = "urn:Pixar:service:TractorEngine:2"
	ssdpMX      = 3 * time.Second
	ssdpRetries = 2
)

// Discover performs a LAN SSDP-style multicast search for the engine
// when the configured hostname is the well-known default and plain DNS
// resolution has already failed (spec §4.2). It sends M-SEARCH twice and
// returns the first unicast reply's advertised address.
func Discover(ctx context.Context, logger hclog.Logger) (string, error) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return "", fmt.Errorf("open discovery socket: %w", err)
	}
	defer conn.Close()

	dst, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return "", fmt.Errorf("resolve ssdp multicast addr: %w", err)
	}

	msg := buildSearch()

	for attempt := 0; attempt < ssdpRetries; attempt++ {
		if _, err := conn.WriteTo(msg, dst); err != nil {
			logger.Warn("ssdp search send failed", "attempt", attempt, "err", err)
			continue
		}

		deadline := time.Now().Add(ssdpMX)
		_ = conn.SetReadDeadline(deadline)

		buf := make([]byte, 2048)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			default:
			}
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				break // deadline or transient error; try next attempt
			}
			if addr, port, ok := parseSearchReply(buf[:n]); ok {
				return net.JoinHostPort(addr, port), nil
			}
		}
	}
	return "", fmt.Errorf("ssdp discovery: no engine responded")
}

func buildSearch() []byte {
	var b bytes.Buffer
	b.WriteString("M-SEARCH * HTTP/1.1\r\n")
	fmt.Fprintf(&b, "HOST: %s\r\n", ssdpAddr)
	b.WriteString("MAN: \"ssdp:discover\"\r\n")
	fmt.Fprintf(&b, "MX: %d\r\n", int(ssdpMX/time.Second))
	fmt.Fprintf(&b, "ST: %s\r\n", ssdpST)
	b.WriteString("\r\n")
	return b.Bytes()
}

func parseSearchReply(data []byte) (addr, port string, ok bool) {
	lines := strings.Split(string(data), "\r\n")
	for _, line := range lines {
		k, v, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		switch k {
		case "SEARCHADDR":
			addr = v
		case "SEARCHPORT":
			port = v
		}
	}
	return addr, port, addr != "" && port != ""
}
