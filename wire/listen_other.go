//go:build !unix

package wire

import "net"

// raiseBacklog is a no-op where the accept queue cannot be resized after
// bind; the OS default applies.
func raiseBacklog(_ *net.TCPListener, _ int) error {
	return nil
}
