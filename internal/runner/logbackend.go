package runner

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tractor-project/blade/internal/model"
)

// logBackend streams subprocess output to a profile's configured
// CmdOutputLogging target (spec §1/§3.1/§5): a LogServer TCP socket or a
// LogFile path template. The connection/file is opened lazily on the
// first command output line and closed once slotsInUse returns to zero
// (see Runner.finalizeReported), matching spec §5's "the log backend
// socket is opened lazily on first command output and closed when
// slotsInUse drops to zero."
type logBackend struct {
	mu      sync.Mutex
	target  model.CmdOutputLogging
	conn    net.Conn
	file    *os.File
	headers map[int64]bool
}

// ensureLogBackend returns the Runner's shared log backend, creating one
// bound to target on first use. A blade normally runs one active
// CmdOutputLogging target at a time (it's a per-profile setting and
// profile swaps are infrequent relative to command throughput), so one
// shared backend for the Runner's lifetime -- not one per command -- is
// the natural fit.
func (r *Runner) ensureLogBackend(target model.CmdOutputLogging) *logBackend {
	if target.LogServer == "" && target.LogFile == "" {
		return nil
	}
	if r.logStream != nil {
		return r.logStream
	}
	r.logStream = &logBackend{target: target, headers: map[int64]bool{}}
	return r.logStream
}

// writeLine opens the backend on first use, emits the task-log header
// line the first time this command writes (spec §8.4.1's
// "====[<timestamp> /J100/T1/C5.0/... on <host> ]====" banner, built from
// model.Command.LogRef), then the line itself.
func (lb *logBackend) writeLine(logger hclog.Logger, c *model.Command, host, line string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if err := lb.ensureOpen(c); err != nil {
		logger.Warn("log backend open failed", "cid", c.CID, "err", err)
		return
	}
	if !lb.headers[c.CID] {
		header := fmt.Sprintf("====[%s %s on %s ]====\n\n", time.Now().UTC().Format(time.RFC3339), c.LogRef(host), host)
		lb.write(header)
		lb.headers[c.CID] = true
	}
	lb.write(line + "\n")
}

func (lb *logBackend) ensureOpen(c *model.Command) error {
	if lb.conn != nil || lb.file != nil {
		return nil
	}
	if lb.target.LogServer != "" {
		conn, err := net.DialTimeout("tcp", lb.target.LogServer, 5*time.Second)
		if err != nil {
			return fmt.Errorf("dial log server %s: %w", lb.target.LogServer, err)
		}
		lb.conn = conn
		return nil
	}
	path := expandLogFileTemplate(lb.target.LogFile, c)
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}
	lb.file = f
	return nil
}

func (lb *logBackend) write(s string) {
	if lb.conn != nil {
		_, _ = lb.conn.Write([]byte(s))
		return
	}
	if lb.file != nil {
		_, _ = lb.file.WriteString(s)
	}
}

// close releases whichever handle is open; called once slotsInUse
// returns to zero.
func (lb *logBackend) close() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.conn != nil {
		_ = lb.conn.Close()
		lb.conn = nil
	}
	if lb.file != nil {
		_ = lb.file.Close()
		lb.file = nil
	}
	lb.headers = map[int64]bool{}
}

// expandLogFileTemplate substitutes the %J/%T/%C/%R tokens a
// CmdOutputLogging.LogFile template names (spec §3.1's example,
// "/var/spool/tractor/%J/%T/%C.log").
func expandLogFileTemplate(tmpl string, c *model.Command) string {
	r := strings.NewReplacer(
		"%J", strconv.FormatInt(c.JID, 10),
		"%T", strconv.FormatInt(c.TID, 10),
		"%C", strconv.FormatInt(c.CID, 10),
		"%R", strconv.FormatInt(c.Rev, 10),
	)
	return r.Replace(tmpl)
}
