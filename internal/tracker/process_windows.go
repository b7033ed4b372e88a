//go:build windows

package tracker

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"

	"github.com/tractor-project/blade/internal/model"
)

// startProcess spawns cmd's subprocess in a new process group (CREATE_NEW_PROCESS_GROUP,
// the closest Windows equivalent of POSIX setpgrp) so the kill ladder's
// CTRL_BREAK steps reach the whole group. Login impersonation is
// not attempted on Windows: the blade service is expected to already run
// as the target account (spec §4.5 Non-goals).
func startProcess(c *model.Command, argv []string, env map[string]string) (processHandle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	ec := exec.Command(argv[0], argv[1:]...)
	ec.Env = flattenEnv(env)
	ec.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}

	if c.UDir != "" {
		if _, err := os.Stat(c.UDir); err == nil {
			ec.Dir = c.UDir
		}
	}

	stdout, err := ec.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := ec.StderrPipe()
	if err != nil {
		return nil, err
	}
	if c.InMsg != "" {
		ec.Stdin = strings.NewReader(c.InMsg)
	}

	if err := ec.Start(); err != nil {
		return nil, err
	}

	p := &basicProc{
		cmd:    ec,
		stdout: newPipeReader(stdout),
		stderr: newPipeReader(stderr),
	}
	p.startWaiter()
	return p, nil
}

// Signal maps the escalation ladder onto Windows' blunter primitives:
// there is no SIGINT/SIGTERM equivalent for an arbitrary process, so
// every step below signalKill is a best-effort CTRL_BREAK to the process
// group, and only signalKill terminates anything: Process.Kill ends the
// direct child alone, and its descendants are neither walked nor
// terminated.
func (p *basicProc) Signal(sig killSignal) error {
	if p.cmd.Process == nil {
		return nil
	}
	if sig != signalKill {
		// CTRL_BREAK_EVENT targets the whole process group created with
		// CREATE_NEW_PROCESS_GROUP; best-effort, ignored on failure since
		// console-less processes don't handle it.
		_ = windows.GenerateConsoleCtrlEvent(syscall.CTRL_BREAK_EVENT, uint32(p.cmd.Process.Pid))
		return nil
	}
	return p.cmd.Process.Kill()
}

func rusageFromState(ps *os.ProcessState) (userSec, sysSec float64, maxRSS int64) {
	if ps == nil {
		return 0, 0, 0
	}
	return ps.UserTime().Seconds(), ps.SystemTime().Seconds(), 0
}

func ownerIsRoot(info os.FileInfo) bool {
	return true // ownership checks are POSIX-specific; Windows ACLs are out of scope
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
