// Package bus holds the in-process domain event bus. One instance is
// constructed at startup and passed by reference into every use case and
// subscriber; there is no hidden global registry.
package bus

import (
	"context"
	"sync"

	"taskhub/domain"
)

// Handler consumes one dispatched domain event.
type Handler func(ctx context.Context, ev domain.Event) error

// Bus queues raised events and dispatches them to the handlers registered
// per event kind. Raising does not dispatch: a use case raises every event
// of its mutation sequence and flushes once at the end, so a late failure
// cannot leave clients partially notified.
type Bus struct {
	mu       sync.Mutex
	handlers map[domain.Kind][]Handler
	pending  []domain.Event
}

func New() *Bus {
	return &Bus{handlers: make(map[domain.Kind][]Handler)}
}

// Register appends h to the ordered handler list for kind. Handlers register
// once at startup, before any request can raise.
func (b *Bus) Register(kind domain.Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Raise queues ev for the next Dispatch call.
func (b *Bus) Raise(ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, ev)
}

// Dispatch delivers every queued event, in raise order, to its handlers in
// registration order. The queue is swapped out before delivery, so the
// whole flush is cleared even when a handler fails: processed events are
// never replayed, delivery is at most once per flush. The first handler
// error stops further delivery and is returned; prior sends stand. An event
// kind with no handlers dispatches as a no-op. Handlers run unlocked: a
// handler may Raise, queueing for the next flush.
func (b *Bus) Dispatch(ctx context.Context) error {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, ev := range pending {
		for _, h := range b.handlersFor(ev.Kind()) {
			if err := h(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Bus) handlersFor(kind domain.Kind) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[kind]
}

// Pending reports the queue length; the queue is empty at idle.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
