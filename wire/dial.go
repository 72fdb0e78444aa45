package wire

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/mcpwire/mcpwire"
	"github.com/rs/zerolog"
)

// sendBufferSize is applied to outbound client sockets. 64 KiB keeps bursts
// of responses off the caller's critical path without inflating per-socket
// memory the way multi-megabyte buffers would.
const sendBufferSize = 64 * 1024

// Dial resolves host and connects to the first address that answers within
// the per-attempt timeout. Each attempt gets the full timeout; resolution
// failures and per-address failures are logged at debug and the next address
// is tried. The returned connection is tuned for low-latency framed traffic:
// TCP_NODELAY, keepalive, and a 64 KiB send buffer.
func Dial(host string, port uint16, timeout time.Duration, logger zerolog.Logger) (net.Conn, error) {
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", mcpwire.ErrTransport, host, err)
	}

	portStr := strconv.Itoa(int(port))
	d := net.Dialer{Timeout: timeout}

	var lastErr error
	for _, addr := range addrs {
		target := net.JoinHostPort(addr, portStr)
		nc, err := d.Dial("tcp", target)
		if err != nil {
			logger.Debug().Str("addr", target).Err(err).Msg("Connect attempt failed")
			lastErr = err
			continue
		}
		tuneConn(nc, logger)
		logger.Debug().Str("addr", target).Msg("Connected")
		return nc, nil
	}

	return nil, fmt.Errorf("%w: no address of %s:%d reachable: %v",
		mcpwire.ErrTransport, host, port, lastErr)
}

// tuneConn applies the client-side socket optimizations. Failures here are
// logged and ignored: a connection without keepalive still works.
func tuneConn(nc net.Conn, logger zerolog.Logger) {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(true); err != nil {
		logger.Debug().Err(err).Msg("TCP_NODELAY not applied")
	}
	if err := tc.SetKeepAlive(true); err == nil {
		tc.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := tc.SetWriteBuffer(sendBufferSize); err != nil {
		logger.Debug().Err(err).Msg("Send buffer size not applied")
	}
}

// Listen opens a TCP listener. A backlog > 0 raises the kernel accept queue
// beyond the OS default where the platform allows it, so connection bursts
// queue instead of getting reset.
func Listen(addr string, backlog int, logger zerolog.Logger) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", mcpwire.ErrTransport, addr, err)
	}

	if backlog > 0 {
		if tcpLn, ok := ln.(*net.TCPListener); ok {
			if err := raiseBacklog(tcpLn, backlog); err != nil {
				logger.Debug().Err(err).Msg("Listen backlog not raised")
			} else {
				logger.Info().Int("backlog", backlog).Msg("Raised TCP listen backlog")
			}
		}
	}

	return ln, nil
}
