package engine

import (
	"sync"
)

// Cache holds live executions by instance id so a signal on a loaded
// instance skips re-parsing. Instances are evicted on process end.
type Cache struct {
	mu        sync.RWMutex
	instances map[string]*Execution
}

// NewCache creates an empty live-instance cache
func NewCache() *Cache {
	return &Cache{
		instances: make(map[string]*Execution),
	}
}

// Get returns a live execution or nil
func (c *Cache) Get(instanceID string) *Execution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instances[instanceID]
}

// Add stores a live execution
func (c *Cache) Add(execution *Execution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[execution.ID()] = execution
}

// Remove evicts an instance id
func (c *Cache) Remove(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.instances, instanceID)
}

// List returns all live executions
func (c *Cache) List() []*Execution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Execution, 0, len(c.instances))
	for _, e := range c.instances {
		out = append(out, e)
	}
	return out
}

// Shutdown evicts everything
func (c *Cache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances = make(map[string]*Execution)
}
