package relay

import (
	"encoding/json"
	"errors"
	"time"
)

// handleClientMessage dispatches one inbound client frame by tag. Shape
// failures and unknown tags produce a typed error event, never a
// disconnect.
func (s *Server) handleClientMessage(c *Session, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().
			Int64("client_id", c.id).
			Err(err).
			Msg("Client sent invalid JSON")
		c.sendError("invalid message")
		return
	}

	switch msg.Type {
	case "heartbeat":
		// Application-level keep-alive for clients without ping/pong
		// support. Answered with server time to surface clock skew.
		c.sendJSON(pongMessage{Type: "pong", TS: time.Now().UnixMilli()})

	case "subscribe":
		if msg.Topic == "" {
			c.sendError("subscribe requires a topic")
			return
		}
		if err := s.registry.Acquire(msg.Topic, c); err != nil {
			switch {
			case errors.Is(err, ErrInvalidPattern):
				c.sendError("invalid topic pattern")
			case errors.Is(err, ErrBusUnavailable):
				c.sendError("bus unavailable, retry later")
			case errors.Is(err, ErrSessionClosed):
				// Teardown won the race; the client is gone.
			default:
				s.logger.Error().
					Int64("client_id", c.id).
					Str("topic", msg.Topic).
					Err(err).
					Msg("Subscribe failed")
				c.sendError("subscribe failed")
			}
			return
		}
		s.logger.Debug().
			Int64("client_id", c.id).
			Str("topic", msg.Topic).
			Msg("Client subscribed")

	case "unsubscribe":
		if msg.Topic == "" {
			c.sendError("unsubscribe requires a topic")
			return
		}
		// Releasing a pattern not held is a no-op.
		s.registry.Release(msg.Topic, c)
		s.logger.Debug().
			Int64("client_id", c.id).
			Str("topic", msg.Topic).
			Msg("Client unsubscribed")

	case "terminal.open":
		c.terms.Open(msg.SessionID)

	case "terminal.input":
		if msg.SessionID == "" || msg.Data == nil {
			c.sendError("terminal.input requires session_id and data")
			return
		}
		c.terms.Input(msg.SessionID, *msg.Data)

	case "terminal.resize":
		// Ignore partial resize requests rather than erroring: geometry
		// updates are advisory.
		if msg.SessionID == "" || msg.Cols == nil || msg.Rows == nil {
			return
		}
		c.terms.Resize(msg.SessionID, *msg.Cols, *msg.Rows)

	case "terminal.close":
		if msg.SessionID == "" {
			c.sendError("terminal.close requires session_id")
			return
		}
		c.terms.Close(msg.SessionID)

	default:
		s.logger.Warn().
			Int64("client_id", c.id).
			Str("message_type", msg.Type).
			Msg("Client sent unknown message type")
		c.sendError("unknown message type")
	}
}
