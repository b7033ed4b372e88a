//go:build !windows

package tracker

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/tractor-project/blade/internal/model"
)

// startProcess spawns cmd's subprocess in its own process group (so the
// kill ladder can signal the whole tree at once, same as
// internal/executor/executor.go's Setpgid:true), resolving and dropping
// to the target login's uid/gid first when running as root (spec §4.5's
// setpgrp→setgid→initgroups→setuid→chdir chain).
func startProcess(c *model.Command, argv []string, env map[string]string) (processHandle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	ec := exec.Command(argv[0], argv[1:]...)
	ec.Env = flattenEnv(env)
	ec.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if os.Geteuid() == 0 && c.Login != "" {
		cred, err := credentialFor(c.Login)
		if err != nil {
			return nil, fmt.Errorf("resolve login %q: %w", c.Login, err)
		}
		ec.SysProcAttr.Credential = cred
	}

	if c.UDir != "" {
		if _, err := os.Stat(c.UDir); err == nil {
			ec.Dir = c.UDir
		}
		// a missing UDir is not fatal: the command launches in the
		// blade's own working directory instead (spec §4.5).
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

// credentialFor resolves a login name to the Credential Go needs to drop
// privilege, including the supplementary-groups list (the initgroups
// step of spec §4.5's chain).
func credentialFor(login string) (*syscall.Credential, error) {
	u, err := user.Lookup(login)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, err
	}
	groupStrs, err := u.GroupIds()
	var groups []uint32
	if err == nil {
		for _, g := range groupStrs {
			if n, err := strconv.ParseUint(g, 10, 32); err == nil {
				groups = append(groups, uint32(n))
			}
		}
	}
	return &syscall.Credential{
		Uid:    uint32(uid),
		Gid:    uint32(gid),
		Groups: groups,
	}, nil
}

func (p *basicProc) Signal(sig killSignal) error {
	if p.cmd.Process == nil {
		return nil
	}
	pgid := p.cmd.Process.Pid
	var s syscall.Signal
	switch sig {
	case signalInterrupt:
		s = syscall.SIGINT
	case signalTerminate:
		s = syscall.SIGTERM
	case signalKill:
		s = syscall.SIGKILL
	}
	// Signal the whole process group first (spec §4.5's escalation
	// targets the tree, not just the direct child); fall back to the
	// direct child if the group is already gone, same fallback
	// executor.go uses around syscall.Kill(-pgid, ...).
	if err := syscall.Kill(-pgid, s); err != nil {
		return p.cmd.Process.Signal(s)
	}
	return nil
}

func rusageFromState(ps *os.ProcessState) (userSec, sysSec float64, maxRSS int64) {
	if ps == nil {
		return 0, 0, 0
	}
	userSec = ps.UserTime().Seconds()
	sysSec = ps.SystemTime().Seconds()
	if ru, ok := ps.SysUsage().(*syscall.Rusage); ok {
		maxRSS = maxRSSBytes(ru)
	}
	return userSec, sysSec, maxRSS
}

// maxRSSBytes normalizes Rusage.Maxrss to bytes: Linux reports it in KB,
// Darwin in bytes already (the unit spec.md flags as needing
// per-target-OS confirmation).
func maxRSSBytes(ru *syscall.Rusage) int64 {
	if runtime.GOOS == "linux" {
		return int64(ru.Maxrss) * 1024
	}
	return int64(ru.Maxrss)
}

func ownerIsRoot(info os.FileInfo) bool {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return true
	}
	return stat.Uid == 0
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
