// Package eventbus provides the process-local publish/subscribe hub that
// decouples the probe engine, state machine, log store, and broadcaster.
//
// # Design
//
// publish() invokes every registered handler for an event, in insertion
// order, synchronously. A handler panic is recovered, logged, and does not
// stop the remaining handlers or propagate to the publisher. The bus keeps a bounded ring of the last 100
// published events for introspection via history().
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/northlake-systems/pulsewatch/pkg/types"
)

const historyCap = 100

// Handler receives the payload published for an event.
type Handler func(payload interface{})

type registration struct {
	id      string
	handler Handler
	once    bool
}

// Bus is the event hub. The zero value is not usable; use New.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]registration
	history  []types.HistoryEntry
	logger   *slog.Logger
}

// New creates an empty event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]registration),
		logger:   logger.With("component", "eventbus"),
	}
}

// Subscribe registers handler for event. Multiple handlers per event are
// allowed and dispatched in the order they were added. The returned token
// can be passed to Unsubscribe.
func (b *Bus) Subscribe(event string, handler Handler) string {
	return b.subscribe(event, handler, false)
}

// SubscribeOnce registers handler for event; it is removed automatically
// immediately after its first invocation, even if it panics.
func (b *Bus) SubscribeOnce(event string, handler Handler) string {
	return b.subscribe(event, handler, true)
}

func (b *Bus) subscribe(event string, handler Handler, once bool) string {
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], registration{id: id, handler: handler, once: once})
	return id
}

// Unsubscribe removes one registration by the token returned from
// Subscribe/SubscribeOnce. No-op if the token is not present.
func (b *Bus) Unsubscribe(event, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[event]
	for i, r := range regs {
		if r.id == id {
			b.handlers[event] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// Publish invokes every handler registered for event, in insertion order,
// synchronously, passing the same payload to each. A failing handler is
// logged and does not block or fail subsequent handlers.
func (b *Bus) Publish(event string, payload interface{}) {
	b.mu.Lock()
	regs := append([]registration(nil), b.handlers[event]...)
	b.appendHistory(event, payload)
	b.mu.Unlock()

	var toRemove []string
	for _, r := range regs {
		b.invoke(event, r, payload)
		if r.once {
			toRemove = append(toRemove, r.id)
		}
	}

	if len(toRemove) > 0 {
		b.mu.Lock()
		for _, id := range toRemove {
			regs := b.handlers[event]
			for i, r := range regs {
				if r.id == id {
					b.handlers[event] = append(regs[:i], regs[i+1:]...)
					break
				}
			}
		}
		b.mu.Unlock()
	}
}

func (b *Bus) invoke(event string, r registration, payload interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event handler panicked", "event", event, "recover", rec)
		}
	}()
	r.handler(payload)
}

func (b *Bus) appendHistory(event string, payload interface{}) {
	entry := types.HistoryEntry{
		ID:        uuid.NewString(),
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	b.history = append(b.history, entry)
	if len(b.history) > historyCap {
		b.history = b.history[len(b.history)-historyCap:]
	}
}

// History returns up to limit most-recent entries, optionally filtered by
// event name. limit<=0 defaults to 50.
func (b *Bus) History(event string, limit int) []types.HistoryEntry {
	if limit <= 0 {
		limit = 50
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var filtered []types.HistoryEntry
	for _, e := range b.history {
		if event == "" || e.Event == event {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

// ListenerCount returns the number of handlers registered for event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[event])
}

// Events returns the names of all events with at least one handler.
func (b *Bus) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.handlers))
	for name, regs := range b.handlers {
		if len(regs) > 0 {
			names = append(names, name)
		}
	}
	return names
}
