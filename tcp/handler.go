package tcp

import (
	"errors"
	"time"

	"github.com/mcpwire/mcpwire"
	"github.com/mcpwire/mcpwire/internal/monitoring"
)

// handlerPollTimeout bounds each receive wait when idle reaping is disabled,
// so the handler still notices the stop flag promptly.
const handlerPollTimeout = 30 * time.Second

// handleConnection services one slot for the lifetime of its connection.
// It runs as a single worker task: receive a frame, invoke the handler
// callback, send the response. Receive buffers come from the server pool and
// go back once the response, which may alias the request, has been sent.
func (s *Server) handleConnection(slot *clientSlot) {
	defer monitoring.RecoverPanic(s.logger, "conn_handler", map[string]any{
		"slot":    slot.idx,
		"conn_id": slot.id,
	})
	defer s.releaseSlot(slot)

	wait := s.cfg.IdleTimeout
	if wait <= 0 {
		wait = handlerPollTimeout
	}

	for slot.state.Load() == slotActive && !slot.shouldStop.Stopped() {
		conn := slot.getConn()
		if conn == nil {
			return
		}

		buf, err := s.bufPool.Acquire()
		if err != nil {
			return
		}

		msg, err := conn.RecvMessageInto(buf, mcpwire.MaxMessageSize, wait, &slot.shouldStop)
		if err != nil {
			s.bufPool.Release(buf)
			switch {
			case errors.Is(err, mcpwire.ErrTimeout):
				if s.cfg.IdleTimeout > 0 && slot.idleFor(time.Now()) >= s.cfg.IdleTimeout {
					s.logger.Info().
						Str("conn_id", slot.id).
						Str("peer", slot.peerAddr).
						Dur("idle", slot.idleFor(time.Now())).
						Msg("Closing idle connection")
					return
				}
				continue
			case errors.Is(err, mcpwire.ErrAborted):
				return
			case errors.Is(err, mcpwire.ErrConnectionClosed):
				s.logger.Debug().
					Str("conn_id", slot.id).
					Str("peer", slot.peerAddr).
					Msg("Peer disconnected")
				return
			default:
				s.connError(slot, err)
				return
			}
		}

		slot.touch()
		slot.messagesProcessed.Add(1)
		s.stats.messagesIn.Add(1)
		s.stats.bytesIn.Add(int64(len(msg)))
		monitoring.RecordMessage("in", len(msg))

		// The response may alias msg (a zero-copy echo is legal), so the
		// receive buffer is not released until the response is on the wire.
		resp, herr := s.handler(msg)
		if herr != nil {
			// A handler failure is the application's problem, not the
			// transport's. Log it and keep the connection alive.
			s.logger.Warn().
				Err(herr).
				Str("conn_id", slot.id).
				Msg("Message handler returned error")
			s.stats.errors.Add(1)
		}
		if resp == nil {
			s.bufPool.Release(buf)
			continue
		}

		if len(resp) > mcpwire.MaxMessageSize {
			s.logger.Error().
				Int("size", len(resp)).
				Str("conn_id", slot.id).
				Msg("Handler response exceeds maximum frame size, dropped")
			s.stats.errors.Add(1)
			s.bufPool.Release(buf)
			continue
		}
		sendErr := conn.SendMessage(resp, &slot.shouldStop)
		s.bufPool.Release(buf)
		if sendErr != nil {
			if !errors.Is(sendErr, mcpwire.ErrAborted) {
				s.connError(slot, sendErr)
			}
			return
		}
		slot.touch()
		s.stats.messagesOut.Add(1)
		s.stats.bytesOut.Add(int64(len(resp)))
		monitoring.RecordMessage("out", len(resp))
	}
}

// connError records a fatal per-connection transport error and notifies the
// registered callback.
func (s *Server) connError(slot *clientSlot, err error) {
	s.stats.errors.Add(1)
	monitoring.RecordTransportError()
	s.logger.Error().
		Err(err).
		Str("conn_id", slot.id).
		Str("peer", slot.peerAddr).
		Msg("Connection error")
	if s.onError != nil {
		s.onError(err)
	}
}

// releaseSlot tears a slot down and returns it to the table. The connection
// is detached under the slot lock so a concurrent Stop cannot double-close.
func (s *Server) releaseSlot(slot *clientSlot) {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()

	if slot.state.Load() == slotInactive {
		return
	}
	if c := slot.takeConn(); c != nil {
		c.Close()
	}
	slot.shouldStop.Set()
	slot.state.Store(slotInactive)

	s.stats.closed.Add(1)
	monitoring.RecordClose()
	s.logger.Debug().
		Str("conn_id", slot.id).
		Int64("messages", slot.messagesProcessed.Load()).
		Msg("Slot released")
}
