package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	"github.com/fleetworks/relay/internal/identity"
	"github.com/fleetworks/relay/internal/monitoring"
)

// handleWebSocket admits, upgrades, and authenticates one client connection.
//
// Admission checks run before the upgrade and reject with plain HTTP status
// codes. Authentication runs after the upgrade, because the failure category
// must reach browser clients, and browsers only expose close codes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.originAllowed(r.Header.Get("Origin")) {
		monitoring.ConnectionsRejected.WithLabelValues("origin").Inc()
		s.logger.Warn().
			Str("origin", r.Header.Get("Origin")).
			Str("remote_addr", r.RemoteAddr).
			Msg("Connection rejected: origin not allowed")
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	ip := getClientIP(r)
	if s.rateLimiter != nil && !s.rateLimiter.Allow(ip) {
		monitoring.ConnectionsRejected.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if ok, reason := s.guard.ShouldAccept(); !ok {
		monitoring.ConnectionsRejected.WithLabelValues(reason).Inc()
		s.logger.Warn().
			Str("reason", reason).
			Str("remote_addr", r.RemoteAddr).
			Msg("Connection rejected: resource limits")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	token := extractToken(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	if token == "" {
		monitoring.AuthFailures.WithLabelValues("authentication_required").Inc()
		closeWithStatus(conn, closeAuthRequired, "authentication_required")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.VerifyTimeout)
	ident, err := s.verifier.Verify(ctx, token)
	cancel()
	if err != nil {
		if errors.Is(err, identity.ErrRejected) {
			monitoring.AuthFailures.WithLabelValues("authentication_failed").Inc()
			s.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("Client token rejected")
			closeWithStatus(conn, closeAuthFailed, "authentication_failed")
			return
		}
		monitoring.AuthFailures.WithLabelValues("authentication_error").Inc()
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Identity verification unavailable")
		closeWithStatus(conn, closeAuthError, "authentication_error")
		return
	}

	s.admit(conn, r, ident, token)
}

// admit registers an authenticated connection and starts its pumps.
func (s *Server) admit(conn net.Conn, r *http.Request, ident identity.Identity, token string) {
	c := &Session{
		id:          atomic.AddInt64(&s.nextClientID, 1),
		addr:        r.RemoteAddr,
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
		userID:      ident.UserID,
		roles:       ident.Roles,
		token:       token,
		patterns:    make(map[string]struct{}),
		connectedAt: time.Now(),
	}
	c.limiter = rate.NewLimiter(rate.Limit(s.config.MessageRateLimit), s.config.MessageRateBurst)
	c.terms = newTerminalManager(c, s.dialer, s.config.MaxTerminals, s.config.DialTimeout, s.logger)
	c.setState(stateAdmitted)

	s.sessions.Store(c.id, c)
	atomic.AddInt64(&s.currentConns, 1)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()

	s.logger.Info().
		Int64("client_id", c.id).
		Str("user_id", c.userID).
		Str("remote_addr", c.addr).
		Msg("Client connected")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writePump(c)
	}()
	go func() {
		defer s.wg.Done()
		s.readPump(c)
	}()
}

// originAllowed applies the handshake allow-list. Non-browser clients send no
// Origin header and are admitted; browsers must match the configured list.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// extractToken pulls the bearer token from the handshake. Browser WebSocket
// clients cannot set headers, so the query parameter is checked first.
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("auth.token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// getClientIP resolves the originating client IP, preferring the first
// X-Forwarded-For hop set by the ingress proxy.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// closeWithStatus sends a close frame with an application close code and
// drops the connection. Used for post-upgrade handshake rejections.
func closeWithStatus(conn net.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	wsutil.WriteServerMessage(conn, ws.OpClose, body)
	conn.Close()
}
