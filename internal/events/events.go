// Package events is the notification channel of a history engine.
//
// Each engine owns one Bus. Subscribers receive events on a buffered
// channel; publishing never blocks, and a subscriber that falls behind loses
// events rather than stalling commits.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"editlog/internal/store"
)

// Kind identifies an event type.
type Kind string

const (
	// KindEditCommitted is published after a record is appended.
	KindEditCommitted Kind = "edit_committed"
	// KindHistoryChanged is published whenever a document's set of records
	// changes, including clear-all.
	KindHistoryChanged Kind = "history_changed"
)

// Event is one notification.
type Event struct {
	Kind       Kind
	DocumentID string
	EditID     int64
	Record     *store.EditRecord // set for KindEditCommitted
	Timestamp  time.Time
}

// DefaultBuffer is the channel capacity used for non-positive buffers.
const DefaultBuffer = 16

// Bus fans events out to subscribers. It is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uuid.UUID]*Subscription)}
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	id    uuid.UUID
	bus   *Bus
	kinds map[Kind]bool
	ch    chan Event
	once  sync.Once

	dropped atomic.Uint64
}

// Subscribe registers a subscriber for the given kinds, or for all kinds
// when none are given. Subscribing to a closed bus returns a subscription
// whose channel is already closed.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	s := &Subscription{
		id:  uuid.New(),
		bus: b,
		ch:  make(chan Event, buffer),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers ev to every interested subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if s.kinds != nil && !s.kinds[ev.Kind] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}

// C returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// ID returns the subscription's identifier.
func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Dropped returns the number of events lost because the channel was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe removes the subscription and closes its channel. It is
// idempotent.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}
