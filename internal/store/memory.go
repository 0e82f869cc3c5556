package store

import "sync"

// Memory is an in-process Store used by tests and one-shot runs.
type Memory struct {
	mu   sync.RWMutex
	vals map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{vals: make(map[string]string)}
}

// Get returns the stored value or "" when absent.
func (m *Memory) Get(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vals[key]
}

// Set stores a value.
func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = value
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, key)
	return nil
}

// ClearBatch removes every listed key under a single lock acquisition.
func (m *Memory) ClearBatch(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.vals, k)
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }
