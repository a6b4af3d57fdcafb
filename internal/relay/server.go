package relay

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/fleetworks/relay/internal/bus"
	"github.com/fleetworks/relay/internal/config"
	"github.com/fleetworks/relay/internal/gateway"
	"github.com/fleetworks/relay/internal/identity"
	"github.com/fleetworks/relay/internal/limits"
	"github.com/fleetworks/relay/internal/monitoring"
)

// IdentityVerifier checks a client token against the identity service.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (identity.Identity, error)
}

// Server is the relay: it terminates client WebSockets, fans bus topics out
// to subscribers, and proxies shell streams to the gateway.
type Server struct {
	config  *config.Config
	logger  zerolog.Logger
	origins []string

	busConn  Bus
	registry *Registry
	dialer   ShellDialer
	verifier IdentityVerifier

	rateLimiter *limits.ConnectionRateLimiter
	guard       *limits.ResourceGuard

	sessions     sync.Map // int64 -> *Session
	nextClientID int64
	currentConns int64

	shuttingDown int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	listener   net.Listener
	httpServer *http.Server
}

// NewServer wires the relay together. The bus, dialer, and verifier are
// injected so tests can substitute fakes.
func NewServer(cfg *config.Config, logger zerolog.Logger, b Bus, dialer ShellDialer, verifier IdentityVerifier) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:   cfg,
		logger:   logger,
		origins:  cfg.Origins(),
		busConn:  b,
		dialer:   dialer,
		verifier: verifier,
		ctx:      ctx,
		cancel:   cancel,
	}

	s.registry = NewRegistry(b, logger)
	s.registry.onSlowClient = s.disconnectSlowClient

	if cfg.ConnRateLimitEnabled {
		s.rateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
	}
	s.guard = limits.NewResourceGuard(cfg.MaxConnections, cfg.CPURejectThreshold, &s.currentConns, logger)

	return s
}

// Start begins listening and serving. Blocks until the listener closes.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return err
	}
	s.listener = listener

	s.guard.StartMonitoring(s.ctx, 15*time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	mux.Handle("/metrics", monitoring.Handler())

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().
		Str("addr", s.config.Addr()).
		Msg("Relay listening")

	err = s.httpServer.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ClientCount returns the number of admitted clients.
func (s *Server) ClientCount() int64 {
	return atomic.LoadInt64(&s.currentConns)
}

// disconnectSession tears down one client exactly once: registry
// memberships, terminal proxies, counters, and finally the socket.
func (s *Server) disconnectSession(c *Session, reason string) {
	c.closeOnce.Do(func() {
		c.setState(stateClosing)

		s.registry.ReleaseAll(c)
		c.terms.CloseAll()

		s.sessions.Delete(c.id)
		atomic.AddInt64(&s.currentConns, -1)
		monitoring.ConnectionsActive.Dec()

		// Wakes the write pump, which sends the close frame and closes the
		// socket. The send channel is never closed; stray enqueues after this
		// point fall through trySend's done check.
		close(c.done)

		c.setState(stateClosed)

		s.logger.Info().
			Int64("client_id", c.id).
			Str("user_id", c.userID).
			Str("reason", reason).
			Dur("duration", time.Since(c.connectedAt)).
			Msg("Client disconnected")
	})
}

// disconnectSlowClient applies the slow-client policy: a policy-violation
// close frame, then the normal teardown.
func (s *Server) disconnectSlowClient(c *Session) {
	monitoring.SlowClientsDisconnected.Inc()
	s.logger.Warn().
		Int64("client_id", c.id).
		Str("user_id", c.userID).
		Msg("Disconnecting slow client")

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, "slow consumer")
	wsutil.WriteServerMessage(c.conn, ws.OpClose, body)

	s.disconnectSession(c, "slow_client")
}

// Shutdown drains the relay: stop accepting, disconnect every client, and
// wait for pumps up to the configured hard deadline.
func (s *Server) Shutdown() {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.logger.Info().Msg("Relay shutting down")

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		s.httpServer.Shutdown(ctx)
		cancel()
	}

	s.sessions.Range(func(_, value any) bool {
		s.disconnectSession(value.(*Session), "server_shutdown")
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All client pumps drained")
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn().
			Dur("timeout", s.config.ShutdownTimeout).
			Msg("Shutdown deadline reached; abandoning remaining pumps")
	}

	s.cancel()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.logger.Info().Msg("Relay stopped")
}

// natsBus adapts the concrete bus client to the registry's Bus interface.
type natsBus struct {
	client *bus.Client
}

// NewNATSBus wraps a connected bus client for use by the registry.
func NewNATSBus(client *bus.Client) Bus {
	return &natsBus{client: client}
}

func (b *natsBus) Connected() bool {
	return b.client.Connected()
}

func (b *natsBus) Subscribe(pattern string) (BusSubscription, error) {
	sub, err := b.client.Subscribe(pattern)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// shellDialer adapts the concrete gateway dialer to the terminal manager's
// ShellDialer interface.
type shellDialer struct {
	dialer *gateway.Dialer
}

// NewShellDialer wraps a gateway dialer for use by terminal managers.
func NewShellDialer(d *gateway.Dialer) ShellDialer {
	return &shellDialer{dialer: d}
}

func (d *shellDialer) Dial(ctx context.Context, sessionID, token string) (ShellStream, error) {
	stream, err := d.dialer.Dial(ctx, sessionID, token)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
