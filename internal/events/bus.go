// Package events provides the in-process notification bus that wires
// durable writes to the sync manager, the network monitor, and the
// dashboard.
//
// The contract: every durable write publishes exactly one
// notification, and debounced network-state changes publish at most
// one notification per actual transition. Subscribers receive events
// on buffered channels; a subscriber that cannot keep up loses events
// rather than blocking publishers.
package events

import (
	"log"
	"sync"
	"time"
)

// Type identifies the kind of event carried on the bus.
type Type string

const (
	// TypeRecordChanged fires after a record write commits.
	TypeRecordChanged Type = "record_changed"

	// TypeQueueChanged fires after any mutation queue write commits
	// (enqueue, status transition, removal).
	TypeQueueChanged Type = "queue_changed"

	// TypeSyncingChanged fires when a drain pass starts or finishes.
	TypeSyncingChanged Type = "syncing_changed"

	// TypeNetworkChanged fires on an actual online/tier transition.
	TypeNetworkChanged Type = "network_changed"

	// TypePendingCount fires when the number of pending mutations
	// changes.
	TypePendingCount Type = "pending_count"

	// TypeConflictDetected fires when the resolver persists a manual
	// conflict.
	TypeConflictDetected Type = "conflict_detected"

	// TypeMutationDead fires when a mutation is marked dead and
	// requires operator intervention.
	TypeMutationDead Type = "mutation_dead"
)

// Event is a single bus notification.
type Event struct {
	// Type is the event kind.
	Type Type

	// Table is the affected business table, when the event is scoped
	// to one ("" for global events such as syncing_changed).
	Table string

	// Payload carries event-specific data: a bool for
	// syncing_changed, an int for pending_count, the new state for
	// network_changed.
	Payload any

	// Time is when the event was published.
	Time time.Time
}

// Bus is a typed publish/subscribe hub.
//
// The zero value is not usable; create with New. All methods are safe
// for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	logger *log.Logger
	closed bool
}

type subscriber struct {
	ch    chan Event
	types map[Type]bool // nil means all types
}

// New creates a Bus. If logger is nil, dropped-event warnings are
// discarded.
func New(logger *log.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// Subscribe registers a subscriber for the given event types (all
// types if none are given). It returns the receive channel and an
// unsubscribe function. The channel is closed on unsubscribe and on
// bus Close.
func (b *Bus) Subscribe(types ...Type) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, 64)}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	id := b.nextID
	b.nextID++

	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers the event to all matching subscribers. Delivery is
// non-blocking: a full subscriber channel drops the event.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if b.logger != nil {
				b.logger.Printf("Warning: subscriber channel full, dropping %s event", ev.Type)
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
// Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
