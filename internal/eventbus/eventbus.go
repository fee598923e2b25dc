// Package eventbus is a typed pub/sub bus keyed by event kind string.
// Handler lists are copy-on-write so publish can iterate concurrently
// with subscribe/dispose. Dispatch is synchronous by default; Bus can
// alternatively be constructed to fan out onto a worker pool.
package eventbus

import (
	"context"
	"sync"

	"github.com/breeze-rmm/agent/internal/logging"
	"github.com/breeze-rmm/agent/internal/workerpool"
)

// anyKind is the pseudo-kind every concrete publish also notifies.
const anyKind = "*"

var log = logging.L("eventbus")

// Event is a single published notification.
type Event struct {
	Kind    string
	Payload any
}

// Handler receives published events. Panics inside a handler are
// recovered by the bus itself, on the pool worker in async mode or on
// the publishing goroutine in synchronous mode; either way a handler
// failure never takes down the bus.
type Handler func(Event)

// Subscription is a disposable registration returned by Subscribe.
type Subscription struct {
	bus   *Bus
	kind  string
	id    uint64
	once  sync.Once
}

// Dispose unregisters the handler. Idempotent.
func (s *Subscription) Dispose() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.kind, s.id)
	})
}

type registration struct {
	id      uint64
	handler Handler
}

// Bus is a typed, concurrency-safe event dispatcher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   uint64

	pool *workerpool.Pool // nil => synchronous dispatch
}

// New returns a Bus that dispatches synchronously, in publish order, on
// the publishing goroutine.
func New() *Bus {
	return &Bus{handlers: make(map[string][]registration)}
}

// NewAsync returns a Bus that fans out dispatch onto a bounded worker
// pool instead of blocking the publisher. Each (handler, event) pair is
// submitted as an independent task.
func NewAsync(maxWorkers, queueSize int) *Bus {
	return &Bus{
		handlers: make(map[string][]registration),
		pool:     workerpool.New(maxWorkers, queueSize),
	}
}

// Subscribe registers handler for events of the given kind. Use "*" via
// SubscribeAny to observe every publish regardless of kind.
func (b *Bus) Subscribe(kind string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	existing := b.handlers[kind]
	updated := make([]registration, len(existing), len(existing)+1)
	copy(updated, existing)
	updated = append(updated, registration{id: id, handler: handler})
	b.handlers[kind] = updated

	return &Subscription{bus: b, kind: kind, id: id}
}

// SubscribeAny registers handler for every publish, concrete kind or not.
func (b *Bus) SubscribeAny(handler Handler) *Subscription {
	return b.Subscribe(anyKind, handler)
}

func (b *Bus) unsubscribe(kind string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.handlers[kind]
	updated := make([]registration, 0, len(existing))
	for _, r := range existing {
		if r.id != id {
			updated = append(updated, r)
		}
	}
	if len(updated) == 0 {
		delete(b.handlers, kind)
	} else {
		b.handlers[kind] = updated
	}
}

// Publish dispatches an event to every handler subscribed to kind, then
// to every handler subscribed to the root "any" kind.
func (b *Bus) Publish(kind string, payload any) {
	event := Event{Kind: kind, Payload: payload}

	b.mu.RLock()
	direct := b.handlers[kind]
	wildcard := b.handlers[anyKind]
	b.mu.RUnlock()

	b.dispatch(direct, event)
	if kind != anyKind {
		b.dispatch(wildcard, event)
	}
}

func (b *Bus) dispatch(regs []registration, event Event) {
	for _, r := range regs {
		handler := r.handler
		if b.pool != nil {
			b.pool.Submit(func() { b.invoke(handler, event) })
			continue
		}
		b.invoke(handler, event)
	}
}

func (b *Bus) invoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panicked", "kind", event.Kind, "panic", r)
		}
	}()
	handler(event)
}

// StopAccepting stops the async dispatch pool (if any) from accepting
// new tasks. No-op for a synchronous bus.
func (b *Bus) StopAccepting() {
	if b.pool != nil {
		b.pool.StopAccepting()
	}
}

// Drain waits for in-flight async dispatch to finish, or ctx to expire.
// No-op for a synchronous bus.
func (b *Bus) Drain(ctx context.Context) {
	if b.pool == nil {
		return
	}
	b.pool.Drain(ctx)
}
