//go:build unix

package wire

import (
	"net"
	"syscall"
)

// raiseBacklog re-issues listen(2) on the already-bound socket with a larger
// queue. The kernel clamps the value to net.core.somaxconn.
//
// The fd is reached through SyscallConn, never through ln.File(): duplicating
// the fd flips it to blocking mode, after which Close can no longer interrupt
// a parked Accept.
func raiseBacklog(ln *net.TCPListener, backlog int) error {
	rc, err := ln.SyscallConn()
	if err != nil {
		return err
	}
	var lerr error
	if err := rc.Control(func(fd uintptr) {
		lerr = syscall.Listen(int(fd), backlog)
	}); err != nil {
		return err
	}
	return lerr
}
