package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetworks/relay/internal/gateway"
	"github.com/fleetworks/relay/internal/monitoring"
)

// ShellDialer opens authenticated shell streams for terminal sessions.
type ShellDialer interface {
	Dial(ctx context.Context, sessionID, token string) (ShellStream, error)
}

// ShellStream is one bidirectional gateway stream. Read is single-consumer;
// Write/WriteJSON/Close may be called from other goroutines.
type ShellStream interface {
	Read() ([]byte, error)
	Write(p []byte) error
	WriteJSON(v any) error
	Close() error
}

// Shell proxy states.
const (
	termDialing int32 = iota
	termReady
	termClosing
	termClosed
)

// shellProxy is one open terminal: a transparent byte pipe between the
// client socket and an upstream gateway stream. A proxy is present in the
// manager's map iff its state is Dialing, Ready, or Closing.
type shellProxy struct {
	sessionID string
	stream    ShellStream // nil while Dialing
	state     int32       // guarded by the manager mutex
	closeOnce sync.Once
}

func (p *shellProxy) close() {
	p.closeOnce.Do(func() {
		if p.stream != nil {
			p.stream.Close()
		}
	})
}

// terminalManager owns the bounded collection of shell proxies for one
// client session and both directions of each proxy.
type terminalManager struct {
	mu      sync.Mutex
	proxies map[string]*shellProxy

	sess        *Session
	dialer      ShellDialer
	max         int
	dialTimeout time.Duration
	logger      zerolog.Logger
}

func newTerminalManager(sess *Session, dialer ShellDialer, max int, dialTimeout time.Duration, logger zerolog.Logger) *terminalManager {
	if max <= 0 {
		max = 3
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &terminalManager{
		proxies:     make(map[string]*shellProxy),
		sess:        sess,
		dialer:      dialer,
		max:         max,
		dialTimeout: dialTimeout,
		logger:      logger,
	}
}

// Open validates and reserves a terminal slot, then dials the gateway in
// the background so a slow dial never stalls the client's dispatcher.
func (m *terminalManager) Open(sessionID string) {
	if sessionID == "" {
		m.sess.sendJSON(terminalErrorMessage{
			Type:    "terminal.error",
			Message: "session_id is required",
		})
		return
	}

	m.mu.Lock()
	if len(m.proxies) >= m.max {
		m.mu.Unlock()
		m.sess.sendJSON(terminalErrorMessage{
			Type:      "terminal.error",
			SessionID: sessionID,
			Message:   fmt.Sprintf("max %d concurrent terminals", m.max),
		})
		return
	}
	if _, exists := m.proxies[sessionID]; exists {
		m.mu.Unlock()
		m.sess.sendJSON(terminalErrorMessage{
			Type:      "terminal.error",
			SessionID: sessionID,
			Message:   "terminal already open",
		})
		return
	}

	proxy := &shellProxy{sessionID: sessionID, state: termDialing}
	m.proxies[sessionID] = proxy
	m.mu.Unlock()

	monitoring.TerminalsActive.Inc()

	go m.dial(proxy)
}

func (m *terminalManager) dial(proxy *shellProxy) {
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()

	stream, err := m.dialer.Dial(ctx, proxy.sessionID, m.sess.token)

	m.mu.Lock()
	current, owned := m.proxies[proxy.sessionID]
	if !owned || current != proxy {
		// Closed (or torn down) while dialing; the slot is gone.
		m.mu.Unlock()
		if err == nil {
			stream.Close()
		}
		return
	}

	if err != nil {
		delete(m.proxies, proxy.sessionID)
		proxy.state = termClosed
		m.mu.Unlock()

		monitoring.TerminalsActive.Dec()
		monitoring.TerminalErrors.Inc()
		m.logger.Warn().
			Str("session_id", proxy.sessionID).
			Err(err).
			Msg("Shell dial failed")
		m.sess.sendJSON(terminalErrorMessage{
			Type:      "terminal.error",
			SessionID: proxy.sessionID,
			Message:   "failed to open shell session",
		})
		return
	}

	proxy.stream = stream
	proxy.state = termReady
	m.mu.Unlock()

	monitoring.TerminalsOpened.Inc()
	m.logger.Info().
		Str("session_id", proxy.sessionID).
		Msg("Terminal ready")
	m.sess.sendJSON(terminalReadyMessage{
		Type:      "terminal.ready",
		SessionID: proxy.sessionID,
		Status:    "connected",
	})

	go m.readLoop(proxy)
}

// readLoop pipes upstream bytes to the client until the stream ends.
// Upstream bytes are decoded as UTF-8 text; binary-clean transport must be
// encoded at a higher layer.
func (m *terminalManager) readLoop(proxy *shellProxy) {
	for {
		data, err := proxy.stream.Read()
		if err != nil {
			if ce, ok := gateway.AsCloseError(err); ok {
				m.finish(proxy, ce.Code, nil)
			} else {
				m.finish(proxy, 0, err)
			}
			return
		}

		monitoring.TerminalBytes.WithLabelValues("downstream").Add(float64(len(data)))
		m.sess.sendJSON(terminalDataMessage{
			Type:      "terminal.data",
			SessionID: proxy.sessionID,
			Data:      string(data),
		})
	}
}

// finish removes a proxy after its stream ended and reports the outcome.
// If the slot was already released by an explicit Close (or teardown), the
// late close is a no-op.
func (m *terminalManager) finish(proxy *shellProxy, code int, err error) {
	m.mu.Lock()
	current, owned := m.proxies[proxy.sessionID]
	stillOwned := owned && current == proxy
	if stillOwned {
		delete(m.proxies, proxy.sessionID)
		proxy.state = termClosed
	}
	m.mu.Unlock()

	proxy.close()

	if !stillOwned {
		return
	}

	monitoring.TerminalsActive.Dec()
	if err != nil {
		monitoring.TerminalErrors.Inc()
		m.logger.Warn().
			Str("session_id", proxy.sessionID).
			Err(err).
			Msg("Terminal stream error")
		m.sess.sendJSON(terminalErrorMessage{
			Type:      "terminal.error",
			SessionID: proxy.sessionID,
			Message:   "shell stream error",
		})
		return
	}

	m.logger.Info().
		Str("session_id", proxy.sessionID).
		Int("code", code).
		Msg("Terminal closed by upstream")
	m.sess.sendJSON(terminalClosedMessage{
		Type:      "terminal.closed",
		SessionID: proxy.sessionID,
		Code:      code,
	})
}

// Input writes raw client bytes upstream. Ignored unless the terminal is
// known and Ready.
func (m *terminalManager) Input(sessionID, data string) {
	m.mu.Lock()
	proxy, ok := m.proxies[sessionID]
	if !ok || proxy.state != termReady {
		m.mu.Unlock()
		return
	}
	stream := proxy.stream
	m.mu.Unlock()

	if err := stream.Write([]byte(data)); err != nil {
		m.logger.Warn().
			Str("session_id", sessionID).
			Err(err).
			Msg("Terminal upstream write failed")
		m.finish(proxy, 0, err)
		return
	}
	monitoring.TerminalBytes.WithLabelValues("upstream").Add(float64(len(data)))
}

// Resize emits the resize control frame. Ignored unless Ready.
func (m *terminalManager) Resize(sessionID string, cols, rows int) {
	m.mu.Lock()
	proxy, ok := m.proxies[sessionID]
	if !ok || proxy.state != termReady {
		m.mu.Unlock()
		return
	}
	stream := proxy.stream
	m.mu.Unlock()

	if err := stream.WriteJSON(resizeFrame{Type: "resize", Cols: cols, Rows: rows}); err != nil {
		m.logger.Warn().
			Str("session_id", sessionID).
			Err(err).
			Msg("Terminal resize write failed")
		m.finish(proxy, 0, err)
	}
}

// Close releases the slot immediately and requests an upstream close. The
// read loop's subsequent finish sees the slot already gone and stays quiet.
func (m *terminalManager) Close(sessionID string) {
	m.mu.Lock()
	proxy, ok := m.proxies[sessionID]
	if ok {
		delete(m.proxies, sessionID)
		proxy.state = termClosing
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	monitoring.TerminalsActive.Dec()
	proxy.close()
	m.logger.Info().
		Str("session_id", sessionID).
		Msg("Terminal closed by client")
}

// CloseAll tears down every proxy. Called on client disconnect; no events
// are emitted since the client is gone.
func (m *terminalManager) CloseAll() {
	m.mu.Lock()
	proxies := make([]*shellProxy, 0, len(m.proxies))
	for _, p := range m.proxies {
		p.state = termClosed
		proxies = append(proxies, p)
	}
	m.proxies = make(map[string]*shellProxy)
	m.mu.Unlock()

	for _, p := range proxies {
		p.close()
		monitoring.TerminalsActive.Dec()
	}
}

// Count returns the number of live proxies.
func (m *terminalManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.proxies)
}
