package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fleetworks/relay/internal/bus"
	"github.com/fleetworks/relay/internal/monitoring"
)

// Bus is the registry's view of the message bus.
type Bus interface {
	Connected() bool
	Subscribe(pattern string) (BusSubscription, error)
}

// BusSubscription is one upstream subscription handle.
type BusSubscription interface {
	Messages() <-chan bus.Message
	Unsubscribe() error
}

var (
	// ErrInvalidPattern rejects subject patterns outside the allowed
	// alphabet before they ever touch the bus.
	ErrInvalidPattern = errors.New("invalid topic pattern")

	// ErrBusUnavailable is returned while the bus connection is down. The
	// client is informed but not disconnected; a later subscribe may
	// succeed.
	ErrBusUnavailable = errors.New("bus unavailable")

	// ErrSessionClosed is returned when an acquire loses a race with the
	// session's teardown. The membership is rolled back; nothing is
	// reported to the gone client.
	ErrSessionClosed = errors.New("session closed")
)

var patternRe = regexp.MustCompile(`^[A-Za-z0-9._*>]+$`)

// ValidPattern reports whether a subject pattern is syntactically
// acceptable.
func ValidPattern(pattern string) bool {
	return patternRe.MatchString(pattern)
}

// subscriptionEntry coalesces every client subscription for one distinct
// pattern behind a single upstream bus subscription.
//
// Invariants: the entry exists iff it has at least one member; exactly one
// reader task drains the upstream handle; closing done bounds the reader's
// teardown.
type subscriptionEntry struct {
	pattern string
	sub     BusSubscription
	members map[*Session]struct{}
	done    chan struct{}
}

// Registry is the process-wide map from subject pattern to subscription
// entry. It is the only cross-client shared mutable state in the relay and
// is guarded by a single mutex; upstream I/O is never issued while the
// mutex is held.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*subscriptionEntry
	bus     Bus
	logger  zerolog.Logger

	// onSlowClient is invoked (outside the mutex) when a member crosses the
	// strike threshold during fan-out. Set by the server; nil in tests.
	onSlowClient func(*Session)
}

// NewRegistry creates an empty registry over the given bus.
func NewRegistry(b Bus, logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*subscriptionEntry),
		bus:     b,
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Acquire adds the session to the fan-out set for pattern, creating the
// upstream subscription if this is the first holder. Idempotent per
// session: a repeated acquire of a held pattern changes nothing.
//
// Teardown discipline: the pattern is recorded in the session's set before
// the membership becomes visible, so a concurrent ReleaseAll can never miss
// it, and every exit re-checks the session once the membership is in place.
// An acquire that loses the race with teardown rolls itself back; it never
// strands a membership for a dead session.
func (r *Registry) Acquire(pattern string, sess *Session) error {
	if !ValidPattern(pattern) {
		return ErrInvalidPattern
	}
	if sess.closing() {
		return ErrSessionClosed
	}

	sess.addPattern(pattern)

	r.mu.Lock()
	if e, ok := r.entries[pattern]; ok {
		if _, member := e.members[sess]; !member {
			e.members[sess] = struct{}{}
			monitoring.SubscriptionMembers.Inc()
		}
		r.mu.Unlock()
		return r.commitAcquire(pattern, sess)
	}
	r.mu.Unlock()

	if !r.bus.Connected() {
		sess.removePattern(pattern)
		return ErrBusUnavailable
	}

	// Subscribe outside the critical section. A concurrent acquire may win
	// the creation race; the loser joins the winner's entry and drops its
	// own upstream handle.
	sub, err := r.bus.Subscribe(pattern)
	if err != nil {
		sess.removePattern(pattern)
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	r.mu.Lock()
	if e, ok := r.entries[pattern]; ok {
		if _, member := e.members[sess]; !member {
			e.members[sess] = struct{}{}
			monitoring.SubscriptionMembers.Inc()
		}
		r.mu.Unlock()
		sub.Unsubscribe()
		return r.commitAcquire(pattern, sess)
	}

	e := &subscriptionEntry{
		pattern: pattern,
		sub:     sub,
		members: map[*Session]struct{}{sess: {}},
		done:    make(chan struct{}),
	}
	r.entries[pattern] = e
	r.mu.Unlock()

	monitoring.SubscriptionEntries.Inc()
	monitoring.SubscriptionMembers.Inc()

	go r.readLoop(e)

	r.logger.Debug().Str("pattern", pattern).Msg("Upstream subscription created")
	return r.commitAcquire(pattern, sess)
}

// commitAcquire re-checks the session after its membership became visible.
// Teardown sets the Closing state before sweeping the pattern set, so either
// the sweep saw this pattern and already released it (Release here is a
// no-op), or the closing state is visible now and the rollback runs here.
func (r *Registry) commitAcquire(pattern string, sess *Session) error {
	if sess.closing() {
		r.Release(pattern, sess)
		return ErrSessionClosed
	}
	return nil
}

// Release removes the session from the fan-out set for pattern. Releasing a
// pattern not held is a no-op. The last member out cancels the upstream
// subscription and removes the entry.
func (r *Registry) Release(pattern string, sess *Session) {
	sess.removePattern(pattern)

	r.mu.Lock()
	e, ok := r.entries[pattern]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, member := e.members[sess]; !member {
		r.mu.Unlock()
		return
	}
	delete(e.members, sess)
	monitoring.SubscriptionMembers.Dec()

	last := len(e.members) == 0
	if last {
		delete(r.entries, pattern)
		close(e.done)
	}
	r.mu.Unlock()

	if last {
		if err := e.sub.Unsubscribe(); err != nil {
			r.logger.Warn().Err(err).Str("pattern", pattern).Msg("Upstream unsubscribe failed")
		}
		monitoring.SubscriptionEntries.Dec()
		r.logger.Debug().Str("pattern", pattern).Msg("Upstream subscription cancelled")
	}
}

// ReleaseAll removes every membership held by the session. Called on client
// disconnect.
func (r *Registry) ReleaseAll(sess *Session) {
	for _, pattern := range sess.takePatterns() {
		r.Release(pattern, sess)
	}
}

// readLoop is the reader task for one entry: it drains upstream messages
// and fans them out until the entry's refcount hits zero.
func (r *Registry) readLoop(e *subscriptionEntry) {
	for {
		select {
		case <-e.done:
			return
		case msg := <-e.sub.Messages():
			r.fanout(e, msg)
		}
	}
}

// fanout delivers one upstream message to the entry's current members.
// The envelope is serialized once and shared across members; enqueues are
// non-blocking, so one slow client never stalls delivery to the rest.
func (r *Registry) fanout(e *subscriptionEntry, msg bus.Message) {
	envelope := eventMessage{
		Type:  "event",
		Topic: msg.Subject,
		Data:  parsePayload(msg.Data),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		r.logger.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to serialize event")
		return
	}

	r.mu.Lock()
	members := make([]*Session, 0, len(e.members))
	for sess := range e.members {
		members = append(members, sess)
	}
	r.mu.Unlock()

	var slow []*Session
	for _, sess := range members {
		if sess.trySend(data) {
			monitoring.FanoutDelivered.Inc()
			continue
		}

		monitoring.FanoutDropped.WithLabelValues(msg.Subject).Inc()
		attempts := sess.strikes()
		if attempts == 1 && sess.warnOnce() {
			r.logger.Warn().
				Int64("client_id", sess.id).
				Str("subject", msg.Subject).
				Msg("Client send queue full")
		}
		if attempts >= slowClientStrikes {
			slow = append(slow, sess)
		}
	}

	if r.onSlowClient != nil {
		for _, sess := range slow {
			r.onSlowClient(sess)
		}
	}
}

// Refcount returns the number of distinct sessions holding pattern; zero
// means no entry exists.
func (r *Registry) Refcount(pattern string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pattern]
	if !ok {
		return 0
	}
	return len(e.members)
}

// EntryCount returns the number of distinct upstream subscriptions.
func (r *Registry) EntryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
