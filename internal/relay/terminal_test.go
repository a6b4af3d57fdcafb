package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetworks/relay/internal/gateway"
)

// fakeShellStream is an in-memory ShellStream fed by the test.
type fakeShellStream struct {
	mu       sync.Mutex
	incoming chan []byte
	written  [][]byte
	frames   []any
	writeErr error
	closed   bool
}

func newFakeShellStream() *fakeShellStream {
	return &fakeShellStream{incoming: make(chan []byte, 16)}
}

func (s *fakeShellStream) Read() ([]byte, error) {
	data, ok := <-s.incoming
	if !ok {
		return nil, &gateway.CloseError{Code: 1000, Reason: "session ended"}
	}
	if data == nil {
		return nil, errors.New("stream reset")
	}
	return data, nil
}

func (s *fakeShellStream) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.written = append(s.written, append([]byte(nil), p...))
	return nil
}

func (s *fakeShellStream) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.frames = append(s.frames, v)
	return nil
}

func (s *fakeShellStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.incoming)
	}
	return nil
}

func (s *fakeShellStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeShellStream) writtenStrings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.written))
	for i, b := range s.written {
		out[i] = string(b)
	}
	return out
}

// fakeShellDialer hands out one prepared stream per session ID.
type fakeShellDialer struct {
	mu      sync.Mutex
	streams map[string]*fakeShellStream
	dialErr error
	tokens  []string
	block   chan struct{} // when set, Dial waits until closed
}

func newFakeShellDialer() *fakeShellDialer {
	return &fakeShellDialer{streams: make(map[string]*fakeShellStream)}
}

func (d *fakeShellDialer) Dial(ctx context.Context, sessionID, token string) (ShellStream, error) {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	stream, ok := d.streams[sessionID]
	if !ok {
		stream = newFakeShellStream()
		d.streams[sessionID] = stream
	}
	return stream, nil
}

func (d *fakeShellDialer) stream(sessionID string) *fakeShellStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[sessionID]
}

func newTestTerminals(t *testing.T, dialer ShellDialer) (*Session, *terminalManager) {
	t.Helper()
	sess := newTestSession(1)
	sess.token = "test-token"
	m := newTerminalManager(sess, dialer, 3, time.Second, zerolog.Nop())
	sess.terms = m
	return sess, m
}

// waitReady consumes the terminal.ready event for a session ID.
func waitReady(t *testing.T, sess *Session, sessionID string) {
	t.Helper()
	msg := recvEvent(t, sess)
	require.Equal(t, "terminal.ready", msg["type"])
	require.Equal(t, sessionID, msg["session_id"])
	require.Equal(t, "connected", msg["status"])
}

func TestTerminalOpenAndData(t *testing.T) {
	dialer := newFakeShellDialer()
	sess, m := newTestTerminals(t, dialer)

	m.Open("sess-1")
	waitReady(t, sess, "sess-1")
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, []string{"test-token"}, dialer.tokens, "gateway dial must reuse the client's token")

	dialer.stream("sess-1").incoming <- []byte("hello from shell")

	msg := recvEvent(t, sess)
	assert.Equal(t, "terminal.data", msg["type"])
	assert.Equal(t, "sess-1", msg["session_id"])
	assert.Equal(t, "hello from shell", msg["data"])
}

func TestTerminalOpenLimit(t *testing.T) {
	dialer := newFakeShellDialer()
	sess, m := newTestTerminals(t, dialer)

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("sess-%d", i)
		m.Open(id)
		waitReady(t, sess, id)
	}

	m.Open("sess-4")
	msg := recvEvent(t, sess)
	assert.Equal(t, "terminal.error", msg["type"])
	assert.Equal(t, "sess-4", msg["session_id"])
	assert.Contains(t, msg["message"], "max 3 concurrent terminals")
	assert.Equal(t, 3, m.Count())
}

func TestTerminalOpenDuplicate(t *testing.T) {
	dialer := newFakeShellDialer()
	sess, m := newTestTerminals(t, dialer)

	m.Open("sess-1")
	waitReady(t, sess, "sess-1")

	m.Open("sess-1")
	msg := recvEvent(t, sess)
	assert.Equal(t, "terminal.error", msg["type"])
	assert.Equal(t, "terminal already open", msg["message"])
	assert.Equal(t, 1, m.Count())
}

func TestTerminalOpenEmptySessionID(t *testing.T) {
	dialer := newFakeShellDialer()
	sess, m := newTestTerminals(t, dialer)

	m.Open("")
	msg := recvEvent(t, sess)
	assert.Equal(t, "terminal.error", msg["type"])
	assert.Equal(t, "session_id is required", msg["message"])
	assert.Equal(t, 0, m.Count())
}

func TestTerminalDialFailure(t *testing.T) {
	dialer := newFakeShellDialer()
	dialer.dialErr = errors.New("gateway unreachable")
	sess, m := newTestTerminals(t, dialer)

	m.Open("sess-1")
	msg := recvEvent(t, sess)
	assert.Equal(t, "terminal.error", msg["type"])
	assert.Equal(t, "failed to open shell session", msg["message"])
	assert.Equal(t, 0, m.Count(), "failed dial must free the slot")
}

func TestTerminalSlotFreedAfterDialFailure(t *testing.T) {
	dialer := newFakeShellDialer()
	dialer.dialErr = errors.New("gateway unreachable")
	sess, m := newTestTerminals(t, dialer)

	m.Open("sess-1")
	recvEvent(t, sess)

	// The slot is reusable once the failure is reported.
	dialer.dialErr = nil
	m.Open("sess-1")
	waitReady(t, sess, "sess-1")
}

func TestTerminalInput(t *testing.T) {
	dialer := newFakeShellDialer()
	sess, m := newTestTerminals(t, dialer)

	m.Open("sess-1")
	waitReady(t, sess, "sess-1")

	m.Input("sess-1", "ls -la\n")
	assert.Equal(t, []string{"ls -la\n"}, dialer.stream("sess-1").writtenStrings())

	// Input for an unknown terminal is dropped silently.
	m.Input("sess-9", "rm -rf /\n")
	select {
	case data := <-sess.send:
		t.Fatalf("unexpected client message %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTerminalResize(t *testing.T) {
	dialer := newFakeShellDialer()
	sess, m := newTestTerminals(t, dialer)

	m.Open("sess-1")
	waitReady(t, sess, "sess-1")

	m.Resize("sess-1", 120, 40)

	stream := dialer.stream("sess-1")
	stream.mu.Lock()
	frames := append([]any(nil), stream.frames...)
	stream.mu.Unlock()
	require.Len(t, frames, 1)
	assert.Equal(t, resizeFrame{Type: "resize", Cols: 120, Rows: 40}, frames[0])
}

func TestTerminalUpstreamClose(t *testing.T) {
	dialer := newFakeShellDialer()
	sess, m := newTestTerminals(t, dialer)

	m.Open("sess-1")
	waitReady(t, sess, "sess-1")

	dialer.stream("sess-1").Close()

	msg := recvEvent(t, sess)
	assert.Equal(t, "terminal.closed", msg["type"])
	assert.Equal(t, "sess-1", msg["session_id"])
	assert.Equal(t, float64(1000), msg["code"])

	require.Eventually(t, func() bool { return m.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTerminalClientClose(t *testing.T) {
	dialer := newFakeShellDialer()
	sess, m := newTestTerminals(t, dialer)

	m.Open("sess-1")
	waitReady(t, sess, "sess-1")

	m.Close("sess-1")
	assert.Equal(t, 0, m.Count())
	require.Eventually(t, func() bool {
		return dialer.stream("sess-1").isClosed()
	}, time.Second, 5*time.Millisecond)

	// Closing the stream wakes its read loop, which must stay quiet because
	// the slot was already released by the explicit close.
	select {
	case data := <-sess.send:
		t.Fatalf("unexpected client message after explicit close: %s", data)
	case <-time.After(50 * time.Millisecond):
	}

	// The slot is immediately reusable.
	dialer.mu.Lock()
	delete(dialer.streams, "sess-1")
	dialer.mu.Unlock()
	m.Open("sess-1")
	waitReady(t, sess, "sess-1")
}

func TestTerminalCloseUnknownIsNoop(t *testing.T) {
	dialer := newFakeShellDialer()
	sess, m := newTestTerminals(t, dialer)

	m.Close("sess-9")
	select {
	case data := <-sess.send:
		t.Fatalf("unexpected client message %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTerminalCloseAll(t *testing.T) {
	dialer := newFakeShellDialer()
	sess, m := newTestTerminals(t, dialer)

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("sess-%d", i)
		m.Open(id)
		waitReady(t, sess, id)
	}

	m.CloseAll()
	assert.Equal(t, 0, m.Count())
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("sess-%d", i)
		require.Eventually(t, func() bool {
			return dialer.stream(id).isClosed()
		}, time.Second, 5*time.Millisecond, "stream %s not closed", id)
	}
}

func TestTerminalCloseWhileDialing(t *testing.T) {
	dialer := newFakeShellDialer()
	dialer.block = make(chan struct{})
	sess, m := newTestTerminals(t, dialer)

	m.Open("sess-1")
	m.Close("sess-1")
	assert.Equal(t, 0, m.Count())

	// The dial completes after the close; its stream must be discarded and
	// no ready event sent.
	close(dialer.block)
	select {
	case data := <-sess.send:
		t.Fatalf("unexpected client message %s", data)
	case <-time.After(100 * time.Millisecond):
	}
	require.Eventually(t, func() bool {
		s := dialer.stream("sess-1")
		return s != nil && s.isClosed()
	}, time.Second, 5*time.Millisecond)
}

func TestTerminalInputWriteErrorClosesProxy(t *testing.T) {
	dialer := newFakeShellDialer()
	sess, m := newTestTerminals(t, dialer)

	m.Open("sess-1")
	waitReady(t, sess, "sess-1")

	stream := dialer.stream("sess-1")
	stream.mu.Lock()
	stream.writeErr = errors.New("broken pipe")
	stream.mu.Unlock()

	m.Input("sess-1", "x")

	msg := recvEvent(t, sess)
	assert.Equal(t, "terminal.error", msg["type"])
	assert.Equal(t, "shell stream error", msg["message"])
	assert.Equal(t, 0, m.Count())
}
