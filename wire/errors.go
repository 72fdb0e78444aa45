package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/mcpwire/mcpwire"
)

// Classify maps a raw socket error onto the transport error taxonomy.
//
// Peer-closed and reset conditions (EOF, ECONNRESET, EPIPE, ENOTCONN, a
// locally closed net.Conn) are expected termination and collapse into
// ErrConnectionClosed; timeouts map to ErrTimeout; everything else is an
// unexpected, fatal ErrTransport. The original error stays in the chain for
// logging.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	// Already classified errors pass through untouched.
	if errors.Is(err, mcpwire.ErrConnectionClosed) ||
		errors.Is(err, mcpwire.ErrTimeout) ||
		errors.Is(err, mcpwire.ErrAborted) ||
		errors.Is(err, mcpwire.ErrOversizeFrame) ||
		errors.Is(err, mcpwire.ErrTransport) {
		return err
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ENOTCONN) {
		return fmt.Errorf("%w: %v", mcpwire.ErrConnectionClosed, err)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", mcpwire.ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", mcpwire.ErrTransport, err)
}

// isDeadline reports whether err is a deadline expiry that a sliced wait
// should absorb and retry.
func isDeadline(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
