package engine

import (
	"context"
	"sync"

	"github.com/lyzr/bpmnserver/elements"
)

// DefaultDelegate routes thrown messages and signals back through the
// engine and dispatches service tasks from a registered services map.
type DefaultDelegate struct {
	engine *Engine

	mu       sync.RWMutex
	services map[string]elements.ServiceFunc
}

// NewDefaultDelegate creates the default app delegate
func NewDefaultDelegate(engine *Engine) *DefaultDelegate {
	return &DefaultDelegate{
		engine:   engine,
		services: make(map[string]elements.ServiceFunc),
	}
}

// RegisterService adds a named service for ServiceTask dispatch
func (d *DefaultDelegate) RegisterService(name string, fn elements.ServiceFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services[name] = fn
}

// Service implements elements.AppDelegate
func (d *DefaultDelegate) Service(name string) elements.ServiceFunc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.services[name]
}

// MessageThrown implements elements.AppDelegate by re-entering the engine
func (d *DefaultDelegate) MessageThrown(ctx context.Context, messageID string, output map[string]interface{}, matchingKey map[string]interface{}, item *elements.Item) error {
	_, err := d.engine.ThrowMessage(ctx, messageID, output, matchingKey)
	return err
}

// SignalThrown implements elements.AppDelegate by re-entering the engine
func (d *DefaultDelegate) SignalThrown(ctx context.Context, signalID string, output map[string]interface{}, matchingKey map[string]interface{}, item *elements.Item) error {
	_, err := d.engine.ThrowSignal(ctx, signalID, output, matchingKey)
	return err
}

// ServiceCalled is the fallback for service tasks without a registered
// service; it echoes the input.
func (d *DefaultDelegate) ServiceCalled(ctx context.Context, input map[string]interface{}, item *elements.Item) (map[string]interface{}, error) {
	d.engine.log.Info("service called", "element_id", item.ElementID())
	return input, nil
}

// ExecutionStarted implements elements.AppDelegate
func (d *DefaultDelegate) ExecutionStarted(ctx context.Context, execution elements.IExecution) {}

// StartUp implements elements.AppDelegate
func (d *DefaultDelegate) StartUp(ctx context.Context) {}
