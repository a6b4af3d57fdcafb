// Package gateway dials per-session interactive shell endpoints on the C2
// gateway. The dialer hands back a transparent byte stream; it never
// interprets the bytes flowing through it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// CloseError reports an orderly close of the upstream stream, carrying the
// peer's close code and reason.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("stream closed: code=%d reason=%q", e.Code, e.Reason)
}

// AsCloseError unwraps err into a CloseError if the stream ended with an
// orderly close frame.
func AsCloseError(err error) (*CloseError, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce, true
	}
	var wsc wsutil.ClosedError
	if errors.As(err, &wsc) {
		return &CloseError{Code: int(wsc.Code), Reason: wsc.Reason}, true
	}
	return nil, false
}

// Stream is one bidirectional shell stream. Reads are single-consumer;
// writes may come from a different goroutine than reads.
type Stream struct {
	conn      net.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Read returns the payload of the next upstream frame. On an orderly close
// it returns a *CloseError carrying the peer's close code.
func (s *Stream) Read() ([]byte, error) {
	data, _, err := wsutil.ReadServerData(s.conn)
	if err != nil {
		if ce, ok := AsCloseError(err); ok {
			return nil, ce
		}
		return nil, err
	}
	return data, nil
}

// Write sends raw bytes upstream as a binary frame.
func (s *Stream) Write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return wsutil.WriteClientBinary(s.conn, p)
}

// WriteJSON sends a structured control payload upstream as a text frame.
// The resize envelope is the only in-band control message.
func (s *Stream) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal control frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return wsutil.WriteClientText(s.conn, data)
}

// Close requests an orderly close of the stream. Safe to call more than
// once and concurrently with Read.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		ws.WriteFrame(s.conn, ws.MaskFrame(ws.NewCloseFrame(body)))
		s.writeMu.Unlock()
		s.conn.Close()
	})
	return nil
}

// Dialer opens authenticated shell streams against the gateway.
type Dialer struct {
	baseURL string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewDialer creates a dialer for the given gateway base URL (http or https
// scheme; rewritten to ws/wss for the shell path).
func NewDialer(baseURL string, timeout time.Duration, logger zerolog.Logger) *Dialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dialer{
		baseURL: baseURL,
		timeout: timeout,
		logger:  logger.With().Str("component", "gateway").Logger(),
	}
}

// ShellURL returns the ws(s) URL of the shell endpoint for a session.
func (d *Dialer) ShellURL(sessionID string) (string, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid gateway URL %q: %w", d.baseURL, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// Already a socket scheme.
	default:
		return "", fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/c2/sessions/" + url.PathEscape(sessionID) + "/shell"
	return u.String(), nil
}

// Dial opens the shell stream for a session, carrying the client's bearer
// credential on the handshake.
func (d *Dialer) Dial(ctx context.Context, sessionID, token string) (*Stream, error) {
	target, err := d.ShellURL(sessionID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := ws.Dialer{
		Timeout: d.timeout,
		Header:  ws.HandshakeHeaderHTTP(header),
	}

	conn, _, _, err := dialer.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("dial shell endpoint: %w", err)
	}

	d.logger.Debug().
		Str("session_id", sessionID).
		Str("url", target).
		Msg("Shell stream established")

	return &Stream{conn: conn}, nil
}
