package events

import (
	"sync"
	"time"
)

// Handler receives events of one kind.
type Handler func(Event)

// Bus delivers events synchronously from the emitting worker to the
// observer. One handler per kind; events with no handler are dropped.
// Attached emitters receive every event regardless of kind.
type Bus struct {
	mu       sync.RWMutex
	runID    string
	handlers map[Kind]Handler
	emitters []Emitter
}

// NewBus creates an empty bus. The run ID is stamped onto every event.
func NewBus(runID string) *Bus {
	return &Bus{
		runID:    runID,
		handlers: make(map[Kind]Handler),
	}
}

// Subscribe registers the handler for one event kind, replacing any
// previous handler for that kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = h
}

// Attach adds an emitter that observes the full event stream.
func (b *Bus) Attach(e Emitter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitters = append(b.emitters, e)
}

// Emit stamps and delivers an event. Delivery is synchronous in the
// caller's goroutine; coalescing is the observer's concern.
func (b *Bus) Emit(ev Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	ev.RunID = b.runID

	b.mu.RLock()
	handler := b.handlers[ev.Kind]
	emitters := b.emitters
	b.mu.RUnlock()

	if handler != nil {
		handler(ev)
	}
	for _, e := range emitters {
		e.Emit(&ev)
	}
}

// Close shuts down all attached emitters.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for _, e := range b.emitters {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.emitters = nil
	return firstErr
}
