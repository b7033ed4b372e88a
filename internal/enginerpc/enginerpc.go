// Package enginerpc implements the blade's half of the Tractor engine
// wire protocol: a single HTTP/1.0 Transaction call, typed transport
// error classification, engine discovery when the default hostname
// doesn't resolve, and the password-challenge login handshake. It
// generalizes the teacher's context-aware process lifecycle discipline
// (internal/executor/executor.go) to a socket instead of a subprocess.
package enginerpc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ErrKind classifies Transaction transport failures (spec §4.2).
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrConnRefused
	ErrTimeout
	ErrDNSFail
	ErrReset
	ErrUnreachable
	ErrOther
)

func (k ErrKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrConnRefused:
		return "conn-refused"
	case ErrTimeout:
		return "timeout"
	case ErrDNSFail:
		return "dns-fail"
	case ErrReset:
		return "reset"
	case ErrUnreachable:
		return "unreachable"
	default:
		return "other"
	}
}

// TransportError wraps a classified transport failure.
type TransportError struct {
	Kind ErrKind
	Err  error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Reply is a parsed engine response: the integer error code (the "err"
// value the engine embeds in its payload when present, otherwise the
// HTTP status), the decoded body, and caller-visible side-channel headers.
type Reply struct {
	ErrCode int
	Body    map[string]any
	Lmt     string // X-Tractor-Lmt: opaque profile cache key
	Stun    string // X-Tractor-STUN: observed client address
}

const (
	sendTimeout    = 55 * time.Second
	connectTimeout = 15 * time.Second
	defaultTotal   = 65 * time.Second
)

// Client holds the resolved engine endpoint and session state across
// Transaction calls (spec §4.2's "retain tsid for session-scoped requests").
type Client struct {
	logger hclog.Logger

	host string
	port int
	tls  bool

	resolved     string // host:port once discovery/DNS has run
	discoverOnce bool

	tsid string // session id from a successful login

	Timeout time.Duration

	suppress *suppressor
}

// New returns a Client targeting host:port. If tls is true, connections
// are wrapped with crypto/tls (the engine's optional HTTPS listener).
func New(logger hclog.Logger, host string, port int, useTLS bool) *Client {
	return &Client{
		logger:   logger.Named("enginerpc"),
		host:     host,
		port:     port,
		tls:      useTLS,
		Timeout:  defaultTotal,
		suppress: newSuppressor(logger.Named("enginerpc")),
	}
}

// Transaction POSTs verb with body as application/x-www-form-urlencoded
// (or raw, if xheaders sets Content-Type), parses the reply, and returns
// its error code (see Reply.ErrCode) plus parsed body.
func (c *Client) Transaction(ctx context.Context, verb string, body string, xheaders map[string]string) (Reply, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return Reply{}, err
	}
	defer conn.Close()

	req := c.buildRequest(verb, body, xheaders)

	if sc, ok := conn.(*net.TCPConn); ok {
		_ = sc.SetWriteDeadline(time.Now().Add(sendTimeout))
	} else {
		_ = conn.SetDeadline(time.Now().Add(sendTimeout))
	}
	if _, err := io.WriteString(conn, req); err != nil {
		return Reply{}, classify(err)
	}

	total := c.Timeout
	if total <= 0 {
		total = defaultTotal
	}
	_ = conn.SetReadDeadline(time.Now().Add(total))

	raw, err := io.ReadAll(bufio.NewReader(conn))
	if err != nil && len(raw) == 0 {
		return Reply{}, classify(err)
	}

	linger(conn)

	reply, perr := parseReply(raw)
	if perr != nil {
		c.suppress.log(verb, perr)
		return Reply{}, perr
	}
	return reply, nil
}

func (c *Client) buildRequest(verb, body string, xheaders map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "POST /Tractor/%s HTTP/1.0\r\n", verb)
	fmt.Fprintf(&b, "Host: %s\r\n", c.resolved)
	if c.tsid != "" {
		fmt.Fprintf(&b, "Cookie: tsid=%s\r\n", c.tsid)
	}
	hasContentType := false
	for k, v := range xheaders {
		if strings.EqualFold(k, "Content-Type") {
			hasContentType = true
		}
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	payload := strings.TrimSpace(body)
	if payload != "" {
		payload += "\r\n"
		if !hasContentType {
			b.WriteString("Content-Type: application/x-www-form-urlencoded\r\n")
		}
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(payload))
	b.WriteString(payload)
	return b.String()
}

// dial resolves the engine address (discovering via SSDP on first
// failure, per spec §4.2), then opens a non-inheritable socket.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	addr, err := c.resolve(ctx)
	if err != nil {
		return nil, &TransportError{Kind: ErrDNSFail, Err: err}
	}

	plain := net.Dialer{Timeout: connectTimeout}
	conn, err := plain.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify(err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		setCloseOnExec(tc)
	}

	if c.tls {
		tconn := tls.Client(conn, &tls.Config{ServerName: c.host})
		if err := tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, classify(err)
		}
		return tconn, nil
	}
	return conn, nil
}

func (c *Client) resolve(ctx context.Context) (string, error) {
	if c.resolved != "" {
		return c.resolved, nil
	}
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	if _, err := net.ResolveTCPAddr("tcp", addr); err == nil {
		c.resolved = addr
		return addr, nil
	}
	if !isDefaultEngineHost(c.host) {
		return "", fmt.Errorf("resolve %s: no such host", c.host)
	}
	if !c.discoverOnce {
		c.discoverOnce = true
		if found, err := Discover(ctx, c.logger); err == nil {
			c.resolved = found
			return found, nil
		}
	}
	return "", fmt.Errorf("resolve %s: no such host and SSDP discovery failed", c.host)
}

func isDefaultEngineHost(host string) bool {
	return host == "" || host == "tractor-engine" || host == "localhost"
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var kind ErrKind
	switch {
	case isTimeout(err):
		kind = ErrTimeout
	case isRefused(err):
		kind = ErrConnRefused
	case isReset(err):
		kind = ErrReset
	case isUnreachable(err):
		kind = ErrUnreachable
	case isDNS(err):
		kind = ErrDNSFail
	default:
		kind = ErrOther
	}
	return &TransportError{Kind: kind, Err: err}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isDNS(err error) bool {
	var de *net.DNSError
	return errors.As(err, &de)
}

func isRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused")
}

func isReset(err error) bool {
	return strings.Contains(err.Error(), "connection reset")
}

func isUnreachable(err error) bool {
	s := err.Error()
	return strings.Contains(s, "unreachable") || strings.Contains(s, "no route to host")
}

// linger sets SO_LINGER(on, 0) before close to avoid TIME_WAIT buildup on
// the engine side (spec §4.2).
func linger(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetLinger(0)
}

// urlEncode mirrors url.QueryEscape but is named to match the call sites
// that build verb strings inline.
func urlEncode(s string) string { return url.QueryEscape(s) }
