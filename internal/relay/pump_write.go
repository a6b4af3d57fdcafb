package relay

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fleetworks/relay/internal/monitoring"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next frame from the peer before the
	// connection is considered dead.
	pongWait = 30 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// writePump drains the session's send queue onto the socket. It is the only
// writer of the client connection, so socket writes need no lock. Batches
// queued messages behind a buffered writer to reduce syscalls.
func (s *Server) writePump(c *Session) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"client_id": c.id,
	})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			body := ws.NewCloseFrameBody(ws.StatusGoingAway, "")
			wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Failed to write message")
				return
			}
			monitoring.MessagesSent.Inc()

			// Batch whatever else is queued before flushing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				message = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					s.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Failed to write message")
					return
				}
				monitoring.MessagesSent.Inc()
			}

			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Failed to flush writer")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Failed to send ping")
				return
			}
		}
	}
}
