package relay

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Session states. A session is constructed Handshaking, moves to Admitted
// when the identity verifier accepts, and passes through Closing on its way
// out. Fatal transport errors and explicit disconnects both end in Closed.
const (
	stateHandshaking int32 = iota
	stateAdmitted
	stateClosing
	stateClosed
)

// slowClientStrikes is the number of consecutive full-queue enqueue failures
// before a client is disconnected for falling behind.
const slowClientStrikes = 3

// sendQueueSize bounds the per-client outbound queue. Sized to absorb bus
// fan-out bursts without letting a stalled client pin unbounded memory.
const sendQueueSize = 1024

// Session is the state held for one connected client: identity, subscribed
// patterns, terminal proxies, and the outbound send queue.
//
// The send queue is MPSC: the dispatcher, registry reader tasks, and
// terminal read loops enqueue; only the write pump drains. Enqueues never
// block: the queue is bounded and the slow-client policy disconnects
// clients that repeatedly fail to drain it.
type Session struct {
	id    int64
	addr  string
	conn  net.Conn
	send  chan []byte
	done  chan struct{}

	// Populated at admission, immutable thereafter. The token is retained
	// for subsequent gateway dials.
	userID string
	roles  []string
	token  string

	// Patterns this client currently holds in the registry. Keys only; the
	// registry owns the entries.
	patternsMu sync.Mutex
	patterns   map[string]struct{}

	terms *terminalManager

	limiter *rate.Limiter

	state        int32
	closeOnce    sync.Once
	connectedAt  time.Time
	sendAttempts int32
	slowWarned   int32
}

func (c *Session) setState(s int32) {
	atomic.StoreInt32(&c.state, s)
}

func (c *Session) currentState() int32 {
	return atomic.LoadInt32(&c.state)
}

// closing reports whether teardown has begun. Teardown sets this before
// sweeping the session's registry memberships.
func (c *Session) closing() bool {
	return atomic.LoadInt32(&c.state) >= stateClosing
}

// trySend enqueues pre-serialized bytes without blocking. Returns false when
// the queue is full; consecutive failures are counted for the slow-client
// policy and reset on the first success.
func (c *Session) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		atomic.StoreInt32(&c.sendAttempts, 0)
		return true
	default:
		atomic.AddInt32(&c.sendAttempts, 1)
		return false
	}
}

// strikes returns the consecutive enqueue-failure count.
func (c *Session) strikes() int32 {
	return atomic.LoadInt32(&c.sendAttempts)
}

// warnOnce flips the slow-client warning flag; true on the first call only.
func (c *Session) warnOnce() bool {
	return atomic.CompareAndSwapInt32(&c.slowWarned, 0, 1)
}

// sendJSON serializes and enqueues an outbound message. Best effort: under
// queue pressure the message is dropped and the slow-client policy takes
// over.
func (c *Session) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError emits a typed error event. Per-request failures are reported
// this way; the connection stays open.
func (c *Session) sendError(message string) {
	c.sendJSON(errorMessage{Type: "error", Message: message})
}

func (c *Session) addPattern(pattern string) {
	c.patternsMu.Lock()
	defer c.patternsMu.Unlock()
	c.patterns[pattern] = struct{}{}
}

func (c *Session) removePattern(pattern string) {
	c.patternsMu.Lock()
	defer c.patternsMu.Unlock()
	delete(c.patterns, pattern)
}

// takePatterns drains and returns the held pattern set. Used at teardown so
// release happens exactly once per pattern.
func (c *Session) takePatterns() []string {
	c.patternsMu.Lock()
	defer c.patternsMu.Unlock()
	out := make([]string, 0, len(c.patterns))
	for p := range c.patterns {
		out = append(out, p)
	}
	c.patterns = make(map[string]struct{})
	return out
}

// patternCount reports how many patterns the session currently holds.
func (c *Session) patternCount() int {
	c.patternsMu.Lock()
	defer c.patternsMu.Unlock()
	return len(c.patterns)
}
