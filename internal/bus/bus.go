package bus

import (
	"context"
	"sync"

	"social-publisher/internal/models"
)

// Listener receives one lifecycle event. Delivery is synchronous: Emit does
// not return until every listener for the action has run.
type Listener func(ctx context.Context, ev models.LifecycleEvent)

// Bus is the process-wide publish/subscribe point for report lifecycle events.
// It holds no history and gives no delivery guarantee to listeners registered
// after an event was emitted. Constructed once by the process entry point.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

func New() *Bus {
	return &Bus{listeners: make(map[string][]Listener)}
}

// On registers a listener for an action name.
func (b *Bus) On(action string, fn Listener) {
	if action == "" || fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[action] = append(b.listeners[action], fn)
}

// Emit delivers the event to all listeners registered for the action, in
// registration order. Events emitted before any listener exists are dropped.
func (b *Bus) Emit(ctx context.Context, action string, ev models.LifecycleEvent) {
	b.mu.RLock()
	fns := b.listeners[action]
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, ev)
	}
}

// ListenerCount reports how many listeners an action has. Used by tests and
// by the registrar guard.
func (b *Bus) ListenerCount(action string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[action])
}
