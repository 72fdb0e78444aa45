package tcp

import (
	"math"
	"math/rand"
	"time"

	"github.com/mcpwire/mcpwire/internal/monitoring"
)

// startSupervisor launches the reconnection loop unless one is already
// running for this client.
func (c *Client) startSupervisor() {
	c.stateMu.Lock()
	if c.supervisorOn {
		c.stateMu.Unlock()
		return
	}
	c.supervisorOn = true
	c.stateMu.Unlock()

	go c.supervise()
}

// supervise retries the connection under exponential backoff until it
// succeeds, the attempt budget runs out, or the client stops. While any
// supervisor in the process is active, fresh receivers skip the verification
// ping.
func (c *Client) supervise() {
	defer monitoring.RecoverPanic(c.logger, "reconnect_supervisor", nil)
	defer func() {
		c.stateMu.Lock()
		c.supervisorOn = false
		c.stateMu.Unlock()
	}()

	reconnectInProgress.Store(true)
	defer reconnectInProgress.Store(false)

	rc := c.cfg.Reconnect
	for attempt := 1; ; attempt++ {
		if rc.MaxAttempts > 0 && attempt > rc.MaxAttempts {
			c.logger.Error().
				Int("attempts", rc.MaxAttempts).
				Msg("Reconnection budget exhausted, giving up")
			c.setState(StateFailed, attempt-1)
			return
		}

		delay := c.backoffDelay(attempt)
		c.setState(StateReconnecting, attempt)
		c.logger.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Reconnecting")

		if !c.sleepOrStop(delay) {
			return
		}

		monitoring.RecordReconnectAttempt()
		if err := c.connect(true); err != nil {
			c.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Msg("Reconnection attempt failed")
			continue
		}

		c.logger.Info().Int("attempt", attempt).Msg("Reconnected")
		return
	}
}

// backoffDelay computes the wait before the given attempt:
// initial × factor^(attempt-1), capped at the maximum. With randomization
// enabled the result is jittered uniformly but never below 10% of the
// computed delay, so a fleet of clients cannot stampede the server in
// lockstep yet every client still backs off meaningfully.
func (c *Client) backoffDelay(attempt int) time.Duration {
	rc := c.cfg.Reconnect

	d := float64(rc.InitialDelay) * math.Pow(rc.Factor, float64(attempt-1))
	if d > float64(rc.MaxDelay) {
		d = float64(rc.MaxDelay)
	}

	if rc.Randomize {
		jittered := rand.Float64() * d
		if floor := 0.1 * d; jittered < floor {
			jittered = floor
		}
		d = jittered
	}
	return time.Duration(d)
}

// sleepOrStop waits for d, returning false if the client stopped first.
func (c *Client) sleepOrStop(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.stopCh:
		return false
	}
}

// Reconnect forces an immediate reconnection attempt with a reset attempt
// counter. If the immediate attempt fails, the supervisor takes over with
// its usual backoff.
func (c *Client) Reconnect() error {
	if !c.running.Load() {
		return c.Start()
	}

	c.connected.Store(false)
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		c.recvStop.Set()
		conn.Close()
		c.recvWg.Wait()
	}

	c.setState(StateConnecting, 0)
	monitoring.RecordReconnectAttempt()
	if err := c.connect(true); err != nil {
		if c.cfg.Reconnect.Enabled {
			c.startSupervisor()
		} else {
			c.setState(StateDisconnected, 0)
		}
		return err
	}
	return nil
}
