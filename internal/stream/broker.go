package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"claude-relay/internal/errkind"

	"github.com/google/uuid"
)

const (
	defaultReplayCapacity   = 1000
	defaultSubscriberBufCap = 256
)

var (
	// ErrStreamClosed is returned by Publish after the terminal event.
	ErrStreamClosed = errors.New("stream closed")

	// ErrSlowSubscriber is reported by Subscription.Err when the broker
	// disconnected a subscriber whose queue was full.
	ErrSlowSubscriber = errors.New("subscriber too slow, disconnected")
)

// Option configures a Broker.
type Option func(*Broker)

// WithReplayCapacity sets how many events each session keeps for replay.
func WithReplayCapacity(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.replayCap = n
		}
	}
}

// WithSubscriberBuffer sets the live queue length of each subscriber on
// top of its replay backlog.
func WithSubscriberBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.subBuf = n
		}
	}
}

// WithLogger sets the broker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// WithObserver registers fn to be called with every published event,
// after fan-out and outside the stream lock. fn must not block.
func WithObserver(fn func(Event)) Option {
	return func(b *Broker) { b.observer = fn }
}

// Broker fans each session's events out to its subscribers. Every session
// has its own lock, replay buffer and subscriber set; the registry lock
// only guards the map itself.
type Broker struct {
	mu      sync.RWMutex
	streams map[string]*sessionStream
	// floors holds Resume values for sessions without a stream.
	floors map[string]uint64

	replayCap int
	subBuf    int
	observer  func(Event)
	log       *slog.Logger
}

type sessionStream struct {
	mu       sync.Mutex
	id       string
	ring     *RingBuffer
	next     uint64
	closed   bool
	terminal *Event
	subs     map[string]*Subscription
}

// Subscription is one live consumer of a session's stream. Events
// arrive on Events in sequence order; the channel is closed after the
// terminal event, on Unsubscribe, or when the subscriber falls behind.
type Subscription struct {
	ID         string
	SessionID  string
	AttachedAt time.Time

	ch      chan Event
	lastSeq atomic.Uint64
	err     error
	done    bool
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// LastSeq returns the sequence number of the last event queued for this
// subscriber.
func (s *Subscription) LastSeq() uint64 { return s.lastSeq.Load() }

// Err reports why the subscription ended early. It is nil for normal
// termination and must only be read after Events is closed.
func (s *Subscription) Err() error { return s.err }

// NewBroker creates a broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		streams:   make(map[string]*sessionStream),
		floors:    make(map[string]uint64),
		replayCap: defaultReplayCapacity,
		subBuf:    defaultSubscriberBufCap,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open prepares the stream for a new process instance of a session. A
// closed stream is reopened with its buffered history intact; sequence
// numbering continues where the previous instance stopped.
func (b *Broker) Open(sessionID string) {
	b.mu.Lock()
	s, ok := b.streams[sessionID]
	if !ok {
		next := b.floors[sessionID] + 1
		delete(b.floors, sessionID)
		b.streams[sessionID] = &sessionStream{
			id:   sessionID,
			ring: NewRingBuffer(b.replayCap),
			next: next,
			subs: make(map[string]*Subscription),
		}
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.closed = false
		s.terminal = nil
	}
}

// Resume makes sure the session's next event is numbered above lastSeq.
// It applies to the current stream, or to the one the next Open creates
// when the session has none.
func (b *Broker) Resume(sessionID string, lastSeq uint64) {
	b.mu.Lock()
	s, ok := b.streams[sessionID]
	if !ok {
		if lastSeq > b.floors[sessionID] {
			b.floors[sessionID] = lastSeq
		}
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next <= lastSeq {
		s.next = lastSeq + 1
	}
}

func (b *Broker) lookup(sessionID string) *sessionStream {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.streams[sessionID]
}

// Publish assigns the next sequence number to ev, buffers it and pushes
// it to every subscriber without blocking. A subscriber whose queue is
// full is disconnected rather than skipped, so no subscriber ever sees a
// gap. Publishing a terminal event closes the stream.
func (b *Broker) Publish(sessionID string, ev Event) (Event, error) {
	s := b.lookup(sessionID)
	if s == nil {
		return Event{}, fmt.Errorf("publish to %s: %w", sessionID, errkind.ErrSessionNotFound)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Event{}, fmt.Errorf("publish to %s: %w", sessionID, ErrStreamClosed)
	}

	ev.SessionID = sessionID
	ev.Seq = s.next
	s.next++
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.ring.Write(ev)

	for id, sub := range s.subs {
		select {
		case sub.ch <- ev:
			sub.lastSeq.Store(ev.Seq)
		default:
			b.log.Warn("subscriber too slow, disconnecting",
				"session", sessionID, "subscriber", id, "seq", ev.Seq)
			sub.err = ErrSlowSubscriber
			s.detach(id, sub)
		}
	}

	if ev.IsTerminal() {
		s.closed = true
		term := ev
		s.terminal = &term
		for id, sub := range s.subs {
			s.detach(id, sub)
		}
	}
	s.mu.Unlock()

	if b.observer != nil {
		b.observer(ev)
	}
	return ev, nil
}

// detach must be called with s.mu held.
func (s *sessionStream) detach(id string, sub *Subscription) {
	delete(s.subs, id)
	if !sub.done {
		sub.done = true
		close(sub.ch)
	}
}

// Subscribe attaches a new subscriber. Buffered events are queued first,
// in order, and live events follow with nothing in between. Subscribing
// to a closed stream replays the buffer and the terminal event, then
// closes.
func (b *Broker) Subscribe(sessionID string) (*Subscription, error) {
	s := b.lookup(sessionID)
	if s == nil {
		return nil, fmt.Errorf("subscribe to %s: %w", sessionID, errkind.ErrSessionNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Terminal events of earlier process instances stay in the history
	// but are not replayed; only the current one ends a subscription.
	buffered := s.ring.ReadAll()
	replay := buffered[:0]
	for _, ev := range buffered {
		if !ev.IsTerminal() {
			replay = append(replay, ev)
		}
	}
	if s.closed && s.terminal != nil {
		replay = append(replay, *s.terminal)
	}

	sub := &Subscription{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		AttachedAt: time.Now().UTC(),
		ch:         make(chan Event, len(replay)+b.subBuf),
	}
	for _, ev := range replay {
		sub.ch <- ev
		sub.lastSeq.Store(ev.Seq)
	}

	if s.closed {
		sub.done = true
		close(sub.ch)
		return sub, nil
	}

	s.subs[sub.ID] = sub
	return sub, nil
}

// Unsubscribe detaches sub. It is safe to call repeatedly and after the
// session has ended or been dropped.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	s := b.lookup(sub.SessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.subs[sub.ID]; ok && cur == sub {
		s.detach(sub.ID, sub)
	}
}

// LastSequence returns the sequence number of the most recent event.
func (b *Broker) LastSequence(sessionID string) (uint64, error) {
	s := b.lookup(sessionID)
	if s == nil {
		return 0, fmt.Errorf("sequence of %s: %w", sessionID, errkind.ErrSessionNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next - 1, nil
}

// Since returns the buffered events with a sequence number above after.
// Events already evicted from the replay buffer are not returned.
func (b *Broker) Since(sessionID string, after uint64) ([]Event, error) {
	s := b.lookup(sessionID)
	if s == nil {
		return nil, fmt.Errorf("history of %s: %w", sessionID, errkind.ErrSessionNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Since(after), nil
}

// Truncate discards the history above boundary. The next event published
// after a reopen is numbered boundary+1. A closed stream keeps its
// terminal event, renumbered boundary+1, so late subscribers still see
// the stream end without a gap. Callers must make sure no process is
// publishing to the session.
func (b *Broker) Truncate(sessionID string, boundary uint64) error {
	s := b.lookup(sessionID)
	if s == nil {
		return fmt.Errorf("truncate %s: %w", sessionID, errkind.ErrSessionNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring.TruncateAfter(boundary)
	if s.next > boundary+1 {
		s.next = boundary + 1
	}
	if s.terminal != nil && s.terminal.Seq > boundary {
		term := *s.terminal
		term.Seq = boundary + 1
		s.terminal = &term
	}
	return nil
}

// Closed reports whether the session's stream has ended. Unknown
// sessions report true.
func (b *Broker) Closed(sessionID string) bool {
	s := b.lookup(sessionID)
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SubscriberCount returns the number of attached subscribers.
func (b *Broker) SubscriberCount(sessionID string) int {
	s := b.lookup(sessionID)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Drop removes a session's stream and closes any remaining subscribers.
func (b *Broker) Drop(sessionID string) {
	b.mu.Lock()
	s, ok := b.streams[sessionID]
	delete(b.streams, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		s.detach(id, sub)
	}
}
