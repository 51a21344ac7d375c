package engine

import (
	"context"
	"sync"

	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/elements"
)

// EventPayload is delivered to every listener of an engine event.
type EventPayload struct {
	Event   string
	Context *Execution
	Item    *elements.Item
	Details map[string]interface{}
}

// ListenerFunc handles one engine event.
type ListenerFunc func(ctx context.Context, payload EventPayload)

// Emitter is the in-process event listener registry. Every emission is
// re-emitted under the "all" event name.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]ListenerFunc
}

// NewEmitter creates an empty listener registry
func NewEmitter() *Emitter {
	return &Emitter{
		listeners: make(map[string][]ListenerFunc),
	}
}

// On registers a listener for an event name
func (e *Emitter) On(event string, fn ListenerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], fn)
}

// Emit delivers the payload to the event's listeners and to "all" listeners
func (e *Emitter) Emit(ctx context.Context, payload EventPayload) {
	e.mu.RLock()
	direct := append([]ListenerFunc(nil), e.listeners[payload.Event]...)
	all := append([]ListenerFunc(nil), e.listeners[models.EventAll]...)
	e.mu.RUnlock()

	for _, fn := range direct {
		fn(ctx, payload)
	}
	for _, fn := range all {
		fn(ctx, payload)
	}
}
