//go:build !windows

package enginerpc

import (
	"net"

	"golang.org/x/sys/unix"
)

// setCloseOnExec marks the socket CLOEXEC so it is never inherited by a
// launched job subprocess (spec §4.2), mirroring executor.go's care
// around file descriptor leakage into child processes.
func setCloseOnExec(tc *net.TCPConn) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		flags, err := unix.FcntlInt(fd, unix.F_GETFD, 0)
		if err != nil {
			return
		}
		_, _ = unix.FcntlInt(fd, unix.F_SETFD, flags|unix.FD_CLOEXEC)
	})
}
