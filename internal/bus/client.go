// Package bus holds the relay's single outbound connection to the message
// bus and exposes subscribe/unsubscribe/publish primitives over subject
// patterns (`*` matches one token, `>` matches one-or-more trailing tokens).
package bus

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/fleetworks/relay/internal/monitoring"
)

// reconnectWait is the floor for redial attempts after a connection loss.
const reconnectWait = 5 * time.Second

// Message is one delivery from an upstream subscription.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is a handle to one upstream bus subscription. Messages arrive
// on Messages() until Unsubscribe is called; consumers should pair the
// channel with their own done signal for bounded teardown.
type Subscription struct {
	sub     *nats.Subscription
	msgs    chan Message
	dropped int64
}

// Messages returns the delivery channel for this subscription.
func (s *Subscription) Messages() <-chan Message {
	return s.msgs
}

// Unsubscribe cancels the upstream subscription. No new deliveries are
// produced after it returns.
func (s *Subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Dropped reports deliveries discarded because the subscription buffer was
// full.
func (s *Subscription) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// deliver enqueues one delivery without blocking the bus dispatcher. When
// the buffer is full the delivery is discarded and counted.
func (s *Subscription) deliver(m Message) {
	select {
	case s.msgs <- m:
	default:
		atomic.AddInt64(&s.dropped, 1)
		monitoring.BusDropped.Inc()
	}
}

// Client wraps the process-wide bus connection.
type Client struct {
	conn      *nats.Conn
	logger    zerolog.Logger
	connected atomic.Bool
}

// Connect dials the bus. The initial dial and every reconnect retry wait at
// least reconnectWait between attempts and never give up; a relay instance
// with a down bus stays up and reports not-ready instead.
func Connect(url, name string, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		logger: logger.With().Str("component", "bus").Logger(),
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.ConnectHandler(func(conn *nats.Conn) {
			c.setConnected(true)
			c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to bus")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setConnected(false)
			c.logger.Warn().Err(err).Msg("Disconnected from bus, retrying in background")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.setConnected(true)
			c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to bus")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			event := c.logger.Error().Err(err)
			if sub != nil {
				event = event.Str("subject", sub.Subject)
			}
			event.Msg("Bus async error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}

	c.conn = conn
	c.setConnected(conn.IsConnected())
	return c, nil
}

func (c *Client) setConnected(up bool) {
	c.connected.Store(up)
	if up {
		monitoring.BusConnected.Set(1)
	} else {
		monitoring.BusConnected.Set(0)
	}
}

// Connected reports whether the bus connection is currently up. Backs the
// readiness probe.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Subscribe registers a new upstream subscription for the given subject
// pattern. Deliveries are buffered; if the buffer fills, the newest delivery
// is discarded and counted rather than blocking the bus dispatcher.
func (c *Client) Subscribe(pattern string) (*Subscription, error) {
	s := &Subscription{
		msgs: make(chan Message, 512),
	}

	sub, err := c.conn.Subscribe(pattern, func(m *nats.Msg) {
		monitoring.BusMessages.Inc()
		s.deliver(Message{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %q: %w", pattern, err)
	}

	s.sub = sub
	return s, nil
}

// Publish sends raw bytes to a subject.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %q: %w", subject, err)
	}
	return nil
}

// Drain flushes pending deliveries and closes the connection. Used during
// graceful shutdown.
func (c *Client) Drain() error {
	c.setConnected(false)
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Drain()
}

// Close tears the connection down without draining.
func (c *Client) Close() {
	c.setConnected(false)
	if c.conn != nil {
		c.conn.Close()
	}
}
