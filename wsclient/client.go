package wsclient

import (
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcpwire/mcpwire"
	"github.com/mcpwire/mcpwire/internal/monitoring"
	"github.com/rs/zerolog"
)

// Subprotocol offered during the upgrade handshake.
const subprotocol = "mcp-protocol"

// Keepalive timings. Variables so tests can compress them.
var (
	pingInterval = 30 * time.Second
	pongTimeout  = 20 * time.Second
)

// Keepalive and reconnection policy.
const (
	maxPingFailures = 3

	reconnectFactor    = 1.5
	reconnectJitter    = 0.2
	maxReconnects      = 10
	delayResetQuiet    = time.Minute
	defaultMaxRecDelay = 30 * time.Second
)

// recvChunk is the granularity of the receive buffer: it grows by half,
// rounded up to this, so reassembling a large fragmented message does not
// reallocate per fragment.
const recvChunk = 4 * 1024

// MessageCallback receives messages that are not replies to an in-flight
// synchronous request. The payload is only valid for the duration of the
// call.
type MessageCallback func(payload []byte)

// pendingRequest is the single in-flight synchronous request.
type pendingRequest struct {
	id int64
	ch chan []byte
}

// maxTombstones bounds how many timed-out request ids are remembered for
// late-reply swallowing before the oldest is forgotten.
const maxTombstones = 16

// Client is the WebSocket client transport.
type Client struct {
	cfg    *mcpwire.Config
	logger zerolog.Logger
	url    string
	dialer *websocket.Dialer
	header http.Header

	mu sync.Mutex // guards ws
	ws *websocket.Conn

	sendMu sync.Mutex // serializes writes
	sbuf   *sendBuffers

	connected atomic.Bool
	running   atomic.Bool

	onMessage MessageCallback
	onError   mcpwire.ErrorHandler

	pendingMu  sync.Mutex
	pending    *pendingRequest
	tombstones []int64 // ids of timed-out requests whose replies are swallowed

	lastPong atomic.Int64 // unix nanos

	reconnectMu  sync.Mutex
	reconnecting bool
	delay        time.Duration
	lastAttempt  time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewClient creates a WebSocket client for the configured endpoint.
func NewClient(cfg *mcpwire.Config, logger zerolog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, mcpwire.ErrInvalidArgument
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	u, header, err := buildEndpoint(cfg)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.WS.ConnectTimeout,
		Subprotocols:     []string{subprotocol},
	}
	if cfg.WS.UseSSL && cfg.WS.CertPath != "" && cfg.WS.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.WS.CertPath, cfg.WS.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: loading client certificate: %v", mcpwire.ErrInvalidArgument, err)
		}
		dialer.TLSClientConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	return &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "ws_client").Str("url", u).Logger(),
		url:    u,
		dialer: dialer,
		header: header,
		sbuf:   newSendBuffers(),
		delay:  cfg.Reconnect.InitialDelay,
		stopCh: make(chan struct{}),
	}, nil
}

// buildEndpoint derives the dial URL and handshake headers from the
// configuration. The path is normalized to a leading slash; the Origin
// header defaults to the target host when not configured.
func buildEndpoint(cfg *mcpwire.Config) (string, http.Header, error) {
	scheme := "ws"
	originScheme := "http"
	if cfg.WS.UseSSL {
		scheme = "wss"
		originScheme = "https"
	}

	path := cfg.WS.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	u := url.URL{
		Scheme: scheme,
		Host:   cfg.Addr(),
		Path:   path,
	}

	origin := cfg.WS.Origin
	if origin == "" {
		origin = fmt.Sprintf("%s://%s", originScheme, cfg.Addr())
	}
	header := http.Header{}
	header.Set("Origin", origin)

	return u.String(), header, nil
}

// SetMessageCallback installs the unsolicited-message callback. Install
// before Start.
func (c *Client) SetMessageCallback(cb MessageCallback) {
	c.onMessage = cb
}

// SetErrorCallback installs the fatal-error callback.
func (c *Client) SetErrorCallback(cb mcpwire.ErrorHandler) {
	c.onError = cb
}

// Start connects and launches the read and keepalive loops.
func (c *Client) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.connect(); err != nil {
		c.running.Store(false)
		return err
	}
	return nil
}

func (c *Client) connect() error {
	c.reconnectMu.Lock()
	c.lastAttempt = time.Now()
	c.reconnectMu.Unlock()

	ws, resp, err := c.dialer.Dial(c.url, c.header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return fmt.Errorf("%w: websocket dial %s (status %d): %v",
			mcpwire.ErrTransport, c.url, status, err)
	}

	now := time.Now()
	c.lastPong.Store(now.UnixNano())
	ws.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		return nil
	})
	ws.SetReadDeadline(now.Add(pingInterval + pongTimeout))

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	c.connected.Store(true)

	c.wg.Add(2)
	go c.readLoop(ws)
	go c.pingLoop(ws)

	c.logger.Info().Str("subprotocol", ws.Subprotocol()).Msg("WebSocket connected")
	return nil
}

// readLoop owns all reads on one connection. Replies matching the in-flight
// synchronous request are routed to its waiter; everything else goes to the
// message callback.
func (c *Client) readLoop(ws *websocket.Conn) {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "ws_reader", nil)

	// The reassembly buffer belongs to this loop, not the client: a new
	// loop spawned by reconnection must not race the old one over it.
	recvBuf := make([]byte, recvChunk)

	for c.running.Load() {
		msgType, r, err := ws.NextReader()
		if err != nil {
			c.connectionLost(ws, err)
			return
		}
		// Inbound traffic proves the peer alive even when its pongs go
		// missing, so it extends the deadline just like a pong does.
		ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		data, err := readAssembled(r, &recvBuf)
		if err != nil {
			c.connectionLost(ws, err)
			return
		}
		if len(data) > mcpwire.MaxMessageSize {
			c.logger.Error().Int("size", len(data)).Msg("Inbound message exceeds maximum size, dropped")
			monitoring.RecordTransportError()
			continue
		}
		monitoring.RecordMessage("in", len(data))

		if id, ok := extractID(data); ok && c.deliverReply(id, data) {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

// readAssembled drains one message reader, reassembling fragments into the
// loop's receive buffer. The buffer grows by half its size rounded up to the
// chunk granularity and is retained across messages, so steady-state traffic
// does not allocate.
func readAssembled(r io.Reader, buf *[]byte) ([]byte, error) {
	total := 0
	for {
		if total == len(*buf) {
			grow := len(*buf) + len(*buf)/2
			grow = (grow + recvChunk - 1) / recvChunk * recvChunk
			next := make([]byte, grow)
			copy(next, (*buf)[:total])
			*buf = next
		}
		n, err := r.Read((*buf)[total:])
		total += n
		if err == io.EOF {
			// Same sentinel convention as the TCP framing layer: a NUL
			// just past the payload, carried in the slice capacity.
			if total == len(*buf) {
				next := make([]byte, len(*buf)+recvChunk)
				copy(next, (*buf)[:total])
				*buf = next
			}
			(*buf)[total] = 0
			return (*buf)[:total : total+1], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// deliverReply routes a correlated reply to the in-flight request. A reply
// for a request that already timed out is swallowed: the waiter is gone and
// surfacing the payload as an unsolicited message would confuse the layer
// above.
func (c *Client) deliverReply(id int64, data []byte) bool {
	c.pendingMu.Lock()
	for i, dead := range c.tombstones {
		if dead == id {
			c.tombstones = append(c.tombstones[:i], c.tombstones[i+1:]...)
			c.pendingMu.Unlock()
			c.logger.Debug().Int64("id", id).Msg("Discarding late reply to timed-out request")
			return true
		}
	}
	p := c.pending
	if p == nil || p.id != id {
		c.pendingMu.Unlock()
		return false
	}
	c.pending = nil
	c.pendingMu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	p.ch <- cp
	return true
}

// pingLoop sends keepalive pings and watches for missed pongs. Missed pongs
// are advisory: at three consecutive misses the loop warns and resets the
// counter, it never tears the connection down on that signal alone. A truly
// dead peer is caught by the read deadline, which only data or a pong can
// extend.
func (c *Client) pingLoop(ws *websocket.Conn) {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "ws_keepalive", nil)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if !c.connected.Load() || c.currentWS() != ws {
				return
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn().Err(err).Msg("Keepalive ping failed")
			}

			sincePong := time.Since(time.Unix(0, c.lastPong.Load()))
			if sincePong > pingInterval+pongTimeout {
				failures++
				c.logger.Warn().
					Int("failures", failures).
					Dur("since_pong", sincePong).
					Msg("Keepalive pong missing")
				if failures >= maxPingFailures {
					c.logger.Warn().
						Int("failures", failures).
						Msg("Peer not answering pings, resetting miss counter")
					failures = 0
				}
			} else {
				failures = 0
			}
		}
	}
}

func (c *Client) currentWS() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

// Send writes one message. Payloads that are not valid UTF-8 are sanitized
// first, since text frames must be valid UTF-8 on the wire.
func (c *Client) Send(payload []byte) error {
	if len(payload) > mcpwire.MaxMessageSize {
		return fmt.Errorf("%w: payload %d bytes", mcpwire.ErrOversizeFrame, len(payload))
	}
	ws := c.currentWS()
	if !c.connected.Load() || ws == nil {
		return mcpwire.ErrConnectionClosed
	}

	staged, release := c.sbuf.stage(payload)
	defer release()

	c.sendMu.Lock()
	err := ws.WriteMessage(websocket.TextMessage, staged)
	c.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", mcpwire.ErrTransport, err)
	}
	monitoring.RecordMessage("out", len(staged))
	return nil
}

// SendAndWaitResponse sends a JSON-RPC request and waits for the reply
// carrying the same id. Only one synchronous request may be in flight; the
// payload must carry a numeric id. On timeout the id is remembered so the
// late reply, if it ever arrives, is swallowed rather than delivered as
// unsolicited.
func (c *Client) SendAndWaitResponse(payload []byte, timeout time.Duration) ([]byte, error) {
	id, ok := extractID(payload)
	if !ok {
		return nil, fmt.Errorf("%w: payload has no numeric id", mcpwire.ErrInvalidArgument)
	}

	p := &pendingRequest{id: id, ch: make(chan []byte, 1)}
	c.pendingMu.Lock()
	if c.pending != nil {
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: synchronous request already in flight", mcpwire.ErrInvalidArgument)
	}
	c.pending = p
	c.pendingMu.Unlock()

	unregister := func() {
		c.pendingMu.Lock()
		if c.pending == p {
			c.pending = nil
		}
		c.pendingMu.Unlock()
	}

	if err := c.Send(payload); err != nil {
		unregister()
		return nil, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case resp, ok := <-p.ch:
		if !ok {
			return nil, mcpwire.ErrConnectionClosed
		}
		return resp, nil
	case <-t.C:
		c.pendingMu.Lock()
		if c.pending == p {
			c.pending = nil
			c.tombstones = append(c.tombstones, id)
			if len(c.tombstones) > maxTombstones {
				c.tombstones = c.tombstones[1:]
			}
		}
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: no reply for id %d within %v", mcpwire.ErrTimeout, id, timeout)
	case <-c.stopCh:
		unregister()
		return nil, mcpwire.ErrConnectionClosed
	}
}

// IsConnected reports whether the client currently holds a live connection.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// connectionLost handles a fatal read error: tear the connection down, fail
// the in-flight request, and start reconnecting when enabled.
func (c *Client) connectionLost(ws *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.ws == ws
	if current {
		c.ws = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}

	c.connected.Store(false)
	ws.Close()
	monitoring.RecordTransportError()

	if !c.running.Load() {
		return
	}
	c.logger.Warn().Err(err).Msg("WebSocket connection lost")
	if c.onError != nil {
		c.onError(err)
	}

	// Fail the waiter now; its reply is never coming on a dead connection,
	// and neither are any tombstoned late replies.
	c.pendingMu.Lock()
	p := c.pending
	c.pending = nil
	c.tombstones = nil
	c.pendingMu.Unlock()
	if p != nil {
		close(p.ch)
	}

	if c.cfg.Reconnect.Enabled {
		c.startReconnect()
	}
}

func (c *Client) startReconnect() {
	c.reconnectMu.Lock()
	if c.reconnecting {
		c.reconnectMu.Unlock()
		return
	}
	c.reconnecting = true

	// A quiet minute since the last connection attempt earns a fresh
	// backoff schedule; a flapping endpoint keeps escalating.
	if !c.lastAttempt.IsZero() && time.Since(c.lastAttempt) > delayResetQuiet {
		c.delay = c.cfg.Reconnect.InitialDelay
	}
	c.reconnectMu.Unlock()

	go c.reconnectLoop()
}

// reconnectLoop retries the connection with multiplicative backoff and
// jitter until it succeeds, the attempt budget runs out, or the client
// stops.
func (c *Client) reconnectLoop() {
	defer monitoring.RecoverPanic(c.logger, "ws_reconnect", nil)
	defer func() {
		c.reconnectMu.Lock()
		c.reconnecting = false
		c.reconnectMu.Unlock()
	}()

	maxDelay := c.cfg.Reconnect.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxRecDelay
	}

	for attempt := 1; attempt <= maxReconnects; attempt++ {
		wait := c.jitteredDelay(maxDelay)
		c.logger.Info().
			Int("attempt", attempt).
			Dur("delay", wait).
			Msg("Reconnecting WebSocket")

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-c.stopCh:
			t.Stop()
			return
		}

		monitoring.RecordReconnectAttempt()
		if err := c.connect(); err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("WebSocket reconnect failed")
			c.reconnectMu.Lock()
			c.delay = time.Duration(float64(c.delay) * reconnectFactor)
			if c.delay > maxDelay {
				c.delay = maxDelay
			}
			c.reconnectMu.Unlock()
			continue
		}

		c.logger.Info().Int("attempt", attempt).Msg("WebSocket reconnected")
		return
	}
	c.logger.Error().Int("attempts", maxReconnects).Msg("WebSocket reconnection budget exhausted")
}

// jitteredDelay applies ±20% jitter to the current delay, clamped to
// [initial, max].
func (c *Client) jitteredDelay(maxDelay time.Duration) time.Duration {
	c.reconnectMu.Lock()
	base := c.delay
	c.reconnectMu.Unlock()

	jitter := 1 + reconnectJitter*(2*rand.Float64()-1)
	d := time.Duration(float64(base) * jitter)
	if d < c.cfg.Reconnect.InitialDelay {
		d = c.cfg.Reconnect.InitialDelay
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// Close disconnects and shuts the client down. Idempotent.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		c.running.Store(false)
		close(c.stopCh)
		c.connected.Store(false)

		c.mu.Lock()
		ws := c.ws
		c.ws = nil
		c.mu.Unlock()
		if ws != nil {
			deadline := time.Now().Add(time.Second)
			c.sendMu.Lock()
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			c.sendMu.Unlock()
			ws.Close()
		}

		c.wg.Wait()
		c.logger.Info().Msg("WebSocket client closed")
	})
}
