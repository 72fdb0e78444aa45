package mcpwire

import "errors"

// Transport error taxonomy. Every error surfaced by a transport wraps exactly
// one of these sentinels, so upstream code can classify with errors.Is
// without knowing which transport (TCP, WebSocket) produced it.
var (
	// ErrTransport is an unexpected, fatal socket error. The connection is
	// closed and the failure is reported through the error callback.
	ErrTransport = errors.New("mcpwire: transport error")

	// ErrConnectionClosed means the peer closed or reset the connection.
	// This is expected termination; transports log it at debug level and,
	// where configured, hand off to the reconnection supervisor.
	ErrConnectionClosed = errors.New("mcpwire: connection closed by peer")

	// ErrTimeout is returned by bounded waits (synchronous receive,
	// connection-pool acquisition, sync request/response).
	ErrTimeout = errors.New("mcpwire: operation timed out")

	// ErrAborted means a blocking operation observed its stop flag. It is
	// the success case of the shutdown path and never reaches the error
	// callback.
	ErrAborted = errors.New("mcpwire: operation aborted")

	// ErrOversizeFrame is a protocol violation: a frame header announced a
	// payload larger than the configured maximum. The connection is
	// abandoned without draining the oversized body.
	ErrOversizeFrame = errors.New("mcpwire: frame exceeds maximum size")

	// ErrInvalidArgument reports a caller error (nil payload with nonzero
	// length, zero-capacity pool, malformed address).
	ErrInvalidArgument = errors.New("mcpwire: invalid argument")

	// ErrAllocFailure reports that a resource pool could not produce a
	// buffer or slot. It aborts the current operation only; the transport
	// itself stays up.
	ErrAllocFailure = errors.New("mcpwire: allocation failure")
)

// MessageHandler is invoked once per received frame, in arrival order for a
// given connection. A non-nil response is framed and sent on the same
// connection before the next receive. Returning an error does not tear the
// connection down; the transport logs it and keeps serving.
type MessageHandler func(payload []byte) (response []byte, err error)

// ErrorHandler receives connection-level failures. A transport raises it at
// most once per failure event.
type ErrorHandler func(err error)
