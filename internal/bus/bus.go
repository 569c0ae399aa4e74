// Package bus provides a per-instance typed publish/subscribe event
// bus. Handlers for an event run in registration order, a misbehaving
// handler never prevents its siblings from running, and removal is
// deterministic by subscription identity.
package bus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ai-companion/client/internal/wire"
)

// Handler consumes one published frame. Lifecycle pseudo-events carry
// a frame holding only the event type.
type Handler func(frame *wire.Frame)

// Subscription identifies one registered handler for removal.
type Subscription struct {
	event string
	id    uint64
}

type entry struct {
	id      uint64
	handler Handler
	once    bool
}

// Bus fans events out to subscribers. The zero value is not usable;
// construct with New.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]entry
	nextID   uint64
	log      zerolog.Logger
}

// New creates an empty bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]entry),
		log:      log.With().Str("component", "bus").Logger(),
	}
}

// On registers a handler for an event and returns its subscription
// plus an unsubscribe closure equivalent to calling Off with it.
func (b *Bus) On(event string, h Handler) (Subscription, func()) {
	return b.subscribe(event, h, false)
}

// Once registers a handler that detaches itself after its first
// invocation. At most one delivery is honored even if the event fires
// again before the caller observes it.
func (b *Bus) Once(event string, h Handler) (Subscription, func()) {
	return b.subscribe(event, h, true)
}

func (b *Bus) subscribe(event string, h Handler, once bool) (Subscription, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := Subscription{event: event, id: b.nextID}
	b.handlers[event] = append(b.handlers[event], entry{id: sub.id, handler: h, once: once})
	return sub, func() { b.Off(sub) }
}

// Off removes a subscription. Removing an already-removed subscription
// is a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub.event, sub.id)
}

func (b *Bus) removeLocked(event string, id uint64) {
	entries := b.handlers[event]
	for i := range entries {
		if entries[i].id == id {
			b.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Publish delivers the frame to every current subscriber of the event,
// in registration order. A panicking handler is logged and skipped;
// siblings still run.
func (b *Bus) Publish(event string, frame *wire.Frame) {
	b.mu.Lock()
	entries := b.handlers[event]
	snapshot := make([]entry, len(entries))
	copy(snapshot, entries)
	for _, e := range entries {
		if e.once {
			b.removeLocked(event, e.id)
		}
	}
	b.mu.Unlock()

	for _, e := range snapshot {
		b.invoke(event, e, frame)
	}
}

func (b *Bus) invoke(event string, e entry, frame *wire.Frame) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", event).Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	e.handler(frame)
}

// SubscriberCount reports how many handlers are registered for an
// event. Intended for tests and diagnostics.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[event])
}
