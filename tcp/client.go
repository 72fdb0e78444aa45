package tcp

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mcpwire/mcpwire"
	"github.com/mcpwire/mcpwire/internal/monitoring"
	"github.com/mcpwire/mcpwire/pool"
	"github.com/mcpwire/mcpwire/wire"
	"github.com/rs/zerolog"
)

// ConnState describes where a client connection is in its lifecycle.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateCallback observes connection state transitions. attempt is the
// reconnection attempt number, zero outside of reconnection.
type StateCallback func(state ConnState, attempt int)

// ClientMessageCallback receives unsolicited inbound messages. The payload
// is only valid for the duration of the call.
type ClientMessageCallback func(payload []byte)

// verifyPayload is the liveness probe sent on a fresh connection so a dead
// path fails at Start rather than on the first real request.
var verifyPayload = []byte(`{"jsonrpc":"2.0","id":0,"method":"ping"}`)

// reconnectInProgress is process-wide: while any client's supervisor is
// re-establishing, freshly started receivers skip the verification ping so
// the probe cannot race the application's own resynchronization traffic.
var reconnectInProgress atomic.Bool

// Client is the framed TCP client. One receiver goroutine owns all reads;
// sends may come from any goroutine. A fatal transport error fires the error
// callback at most once per connection and, when reconnection is enabled,
// hands the connection to the supervisor.
type Client struct {
	cfg    *mcpwire.Config
	logger zerolog.Logger
	id     string

	connMu sync.Mutex
	conn   *wire.Conn

	// sendMu serializes frame writes. A frame spans several short-deadline
	// write slices; without the lock two senders could interleave mid-frame.
	sendMu sync.Mutex

	connected atomic.Bool
	running   atomic.Bool
	recvStop  wire.StopFlag
	recvWg    sync.WaitGroup

	bufPool *pool.BufferPool

	onMessage ClientMessageCallback
	onError   mcpwire.ErrorHandler

	recvCh chan []byte

	// Reconnection supervisor state, all under stateMu.
	stateMu       sync.Mutex
	state         ConnState
	attempt       int
	supervisorOn  bool
	stateCallback StateCallback

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewClient creates a client for the configured host and port. Callbacks are
// installed before Start; installing them later races the receiver.
func NewClient(cfg *mcpwire.Config, logger zerolog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, mcpwire.ErrInvalidArgument
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	bufPool, err := pool.NewBufferPool(cfg.ClientBufferSize, cfg.ClientBufferCount, logger)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:     cfg,
		logger:  logger.With().Str("component", "tcp_client").Str("client_id", id).Logger(),
		id:      id,
		bufPool: bufPool,
		recvCh:  make(chan []byte, 64),
		state:   StateDisconnected,
		stopCh:  make(chan struct{}),
	}, nil
}

// SetMessageCallback installs the inbound message callback. Without one,
// messages are queued for Receive.
func (c *Client) SetMessageCallback(cb ClientMessageCallback) {
	c.onMessage = cb
}

// SetErrorCallback installs the fatal-error callback.
func (c *Client) SetErrorCallback(cb mcpwire.ErrorHandler) {
	c.onError = cb
}

// SetStateCallback installs the state observer and immediately reports the
// current state, so the observer never starts blind.
func (c *Client) SetStateCallback(cb StateCallback) {
	c.stateMu.Lock()
	c.stateCallback = cb
	state, attempt := c.state, c.attempt
	c.stateMu.Unlock()
	if cb != nil {
		cb(state, attempt)
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// setState transitions the lifecycle state and notifies the observer. The
// callback runs outside stateMu so it may call back into the client.
func (c *Client) setState(state ConnState, attempt int) {
	c.stateMu.Lock()
	if c.state == state && c.attempt == attempt {
		c.stateMu.Unlock()
		return
	}
	c.state = state
	c.attempt = attempt
	cb := c.stateCallback
	c.stateMu.Unlock()

	c.logger.Debug().Stringer("state", state).Int("attempt", attempt).Msg("Connection state changed")
	if cb != nil {
		cb(state, attempt)
	}
}

// Start connects and launches the receiver. The fresh connection is verified
// with a ping before Start returns a healthy client to the caller.
func (c *Client) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}

	c.setState(StateConnecting, 0)
	if err := c.connect(true); err != nil {
		c.setState(StateDisconnected, 0)
		c.running.Store(false)
		return err
	}
	return nil
}

// connect dials, installs the connection, and spawns its receiver. The
// verification ping is sent from the receiver so its reply is consumed by
// the normal read path.
func (c *Client) connect(verify bool) error {
	nc, err := wire.Dial(c.cfg.Host, c.cfg.Port, c.cfg.ConnectTimeout, c.logger)
	if err != nil {
		return err
	}
	// Stop may have raced the dial; do not install a connection on a
	// stopped client.
	if !c.running.Load() {
		nc.Close()
		return mcpwire.ErrConnectionClosed
	}

	conn := wire.NewConn(nc, c.logger)
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.recvStop.Reset()
	c.connected.Store(true)
	c.setState(StateConnected, 0)

	c.recvWg.Add(1)
	go c.receiver(conn, verify)
	return nil
}

// receiver owns all reads on one connection. It exits on stop, on peer
// close, or on a fatal transport error; in the last two cases it reports the
// error once and wakes the supervisor.
func (c *Client) receiver(conn *wire.Conn, verify bool) {
	defer c.recvWg.Done()
	defer monitoring.RecoverPanic(c.logger, "client_receiver", nil)
	defer func() {
		if !c.running.Load() {
			conn.Close()
		}
	}()

	if verify && !reconnectInProgress.Load() {
		c.sendMu.Lock()
		err := conn.SendMessage(verifyPayload, &c.recvStop)
		c.sendMu.Unlock()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
	}

	for c.running.Load() && !c.recvStop.Stopped() {
		buf, err := c.bufPool.Acquire()
		if err != nil {
			return
		}
		msg, err := conn.RecvMessageInto(buf, mcpwire.MaxMessageSize, pollInterval, &c.recvStop)
		if err != nil {
			c.bufPool.Release(buf)
			if errors.Is(err, mcpwire.ErrTimeout) {
				continue
			}
			if errors.Is(err, mcpwire.ErrAborted) {
				return
			}
			c.connectionLost(conn, err)
			return
		}

		monitoring.RecordMessage("in", len(msg))
		if c.onMessage != nil {
			c.onMessage(msg)
		} else {
			// Copy before queueing: msg may alias the pooled buffer.
			q := make([]byte, len(msg))
			copy(q, msg)
			select {
			case c.recvCh <- q:
			default:
				c.logger.Warn().Msg("Receive queue full, dropping message")
			}
		}
		c.bufPool.Release(buf)
	}
}

// pollInterval bounds each receive wait so the receiver notices stop and
// shutdown promptly.
const pollInterval = time.Second

// connectionLost handles a fatal receiver error: report once, mark
// disconnected, and start the supervisor when reconnection is enabled.
func (c *Client) connectionLost(conn *wire.Conn, err error) {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}
	conn.Close()
	monitoring.RecordTransportError()
	c.logger.Warn().Err(err).Msg("Connection lost")
	if c.onError != nil {
		c.onError(err)
	}

	if !c.running.Load() {
		return
	}
	if c.cfg.Reconnect.Enabled {
		c.startSupervisor()
	} else {
		c.setState(StateDisconnected, 0)
	}
}

// Send writes one framed message. Any goroutine may call it.
func (c *Client) Send(payload []byte) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	err = conn.SendMessage(payload, &c.recvStop)
	c.sendMu.Unlock()
	if err != nil {
		return err
	}
	monitoring.RecordMessage("out", len(payload))
	return nil
}

// SendBatch writes multiple framed messages with one vectored write.
func (c *Client) SendBatch(payloads [][]byte) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	err = conn.SendBatch(payloads, &c.recvStop)
	c.sendMu.Unlock()
	if err != nil {
		return err
	}
	for _, p := range payloads {
		monitoring.RecordMessage("out", len(p))
	}
	return nil
}

func (c *Client) liveConn() (*wire.Conn, error) {
	if !c.connected.Load() {
		return nil, mcpwire.ErrConnectionClosed
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil, mcpwire.ErrConnectionClosed
	}
	return conn, nil
}

// Receive returns the next queued inbound message, waiting up to timeout.
// Only meaningful when no message callback is installed. A negative timeout
// waits until shutdown.
func (c *Client) Receive(timeout time.Duration) ([]byte, error) {
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case msg := <-c.recvCh:
		return msg, nil
	case <-timer:
		return nil, mcpwire.ErrTimeout
	case <-c.stopCh:
		return nil, mcpwire.ErrConnectionClosed
	}
}

// IsConnected reports whether the client currently holds a live connection.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Stop disconnects and shuts the client down. Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.running.Store(false)
		c.recvStop.Set()
		close(c.stopCh)

		c.connected.Store(false)
		c.connMu.Lock()
		conn := c.conn
		c.conn = nil
		c.connMu.Unlock()
		if conn != nil {
			conn.Close()
		}

		c.recvWg.Wait()
		c.bufPool.Destroy()
		c.setState(StateDisconnected, 0)
		c.logger.Info().Msg("TCP client stopped")
	})
}
