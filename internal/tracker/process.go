package tracker

import (
	"bytes"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// processHandle abstracts the platform-specific subprocess so tracker.go
// stays build-tag free; startProcess and basicProc.Signal live in
// process_unix.go and process_windows.go.
type processHandle interface {
	PID() int
	// DrainNonBlocking returns whatever stdout/stderr bytes have arrived
	// since the last call, without blocking.
	DrainNonBlocking() (stdout, stderr string)
	// TryWait reports whether the process has exited, and if so its
	// wait4-style accounting (spec §4.5 "Exit reaping").
	TryWait() (exited bool, exitCode int, userSec, sysSec float64, maxRSS int64)
	// Signal sends sig to the process (POSIX) or the nearest equivalent
	// (Windows); see process_windows.go for the TerminateProcess variant.
	Signal(sig killSignal) error
}

// killSignal is a platform-neutral escalation step; process_unix.go maps
// these onto real POSIX signals, process_windows.go onto TerminateProcess.
type killSignal int

const (
	signalInterrupt killSignal = iota
	signalTerminate
	signalKill
)

// pipeReader drains an io.ReadCloser into a byte buffer in the
// background, exposing whatever has accumulated without blocking the
// Tracker's Tick -- the non-blocking-read requirement from spec §4.5
// generalized from internal/executor/executor.go's LimitedWriter, which
// solved the analogous "don't block on child output" problem with a
// capped io.Writer instead of a drain-on-demand reader.
type pipeReader struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func newPipeReader(r io.ReadCloser) *pipeReader {
	pr := &pipeReader{}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				pr.mu.Lock()
				pr.buf.Write(buf[:n])
				pr.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return pr
}

func (pr *pipeReader) drain() string {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.buf.Len() == 0 {
		return ""
	}
	s := pr.buf.String()
	pr.buf.Reset()
	return s
}

// basicProc is the portable half of processHandle shared by both
// platform launchers.
type basicProc struct {
	cmd    *exec.Cmd
	stdout *pipeReader
	stderr *pipeReader

	mu       sync.Mutex
	exited   bool
	exitCode int
	userSec  float64
	sysSec   float64
	maxRSS   int64
	waitOnce sync.Once
}

func (p *basicProc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *basicProc) DrainNonBlocking() (string, string) {
	return p.stdout.drain(), p.stderr.drain()
}

func (p *basicProc) TryWait() (bool, int, float64, float64, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.exitCode, p.userSec, p.sysSec, p.maxRSS
}

// startWaiter launches the background goroutine that calls cmd.Wait and
// records rusage-equivalent accounting once, mirroring executor.go's
// done/exited channel pair generalized into a polled TryWait instead of
// a blocking receive, since the Tracker drives many commands from one
// Tick loop rather than one goroutine per invocation.
func (p *basicProc) startWaiter() {
	go func() {
		err := p.cmd.Wait()
		p.mu.Lock()
		defer p.mu.Unlock()
		p.exited = true
		p.exitCode = exitCodeFromError(p.cmd, err)
		p.userSec, p.sysSec, p.maxRSS = rusageFromState(p.cmd.ProcessState)
	}()
}

func exitCodeFromError(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		// a signal death reports as the negated signal number (-9 for
		// SIGKILL) rather than ExitCode()'s -1
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -int(ws.Signal())
		}
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
