package kvstore

import (
	"sync"

	"github.com/google/uuid"
)

// Memory is a thread-safe in-memory store. It backs the transient
// (single-process) storage area and doubles as the test fake for the
// durable backends.
type Memory struct {
	mu         sync.RWMutex
	values     map[string]string
	bus        *bus
	instanceID string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values:     make(map[string]string),
		bus:        newBus(),
		instanceID: uuid.New().String(),
	}
}

// Get returns the value for key and whether it was present.
func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	return value, ok, nil
}

// Set stores value under key and publishes the change.
func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()

	m.bus.Publish(Event{Key: key, Value: value, InstanceID: m.instanceID})
	return nil
}

// Delete removes key and publishes the change. Deleting an absent key is
// a no-op with no event.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	_, existed := m.values[key]
	delete(m.values, key)
	m.mu.Unlock()

	if existed {
		m.bus.Publish(Event{Key: key, Deleted: true, InstanceID: m.instanceID})
	}
	return nil
}

// Subscribe implements Notifier.
func (m *Memory) Subscribe(fn func(Event)) func() {
	return m.bus.Subscribe(fn)
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
