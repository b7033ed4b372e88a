//go:build windows

package enginerpc

import "net"

// setCloseOnExec is a no-op placeholder on Windows; HANDLE_FLAG_INHERIT
// is cleared via syscall.SetHandleInformation in a future pass (spec
// §4.2 names this as a platform-specific step this build does not yet
// implement for Windows sockets).
func setCloseOnExec(tc *net.TCPConn) {}
