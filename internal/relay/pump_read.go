package relay

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fleetworks/relay/internal/monitoring"
)

// readPump reads frames from the client socket and dispatches them. It is
// the session's single dispatcher task; its exit triggers teardown of every
// resource the session owns.
func (s *Server) readPump(c *Session) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"client_id": c.id,
	})
	defer s.disconnectSession(c, "read_error")

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		// Control frames are handled inside the reader; a close frame
		// surfaces here as an error.
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		monitoring.MessagesReceived.Inc()

		// Binary frames have no meaning in this protocol.
		if op != ws.OpText {
			continue
		}

		// Per-client rate limiting: over-limit messages are dropped with
		// an error event, not a disconnect.
		if !c.limiter.Allow() {
			monitoring.RateLimitedMessages.Inc()
			s.logger.Warn().
				Int64("client_id", c.id).
				Msg("Client rate limited")
			c.sendError("too many messages, slow down")
			continue
		}

		s.handleClientMessage(c, msg)
	}
}
