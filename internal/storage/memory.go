package storage

import (
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store used by tests and ephemeral nodes.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get retrieves the value for the given key. Returns nil if missing.
func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return nil, nil
	}

	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Set stores a key-value pair.
func (m *Memory) Set(key string, value []byte) error {
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	m.mu.Lock()
	m.data[key] = valueCopy
	m.mu.Unlock()

	return nil
}

// Delete removes a key.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()

	return nil
}

// List returns all keys starting with prefix, in sorted order.
func (m *Memory) List(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

// SetBatch stores multiple key-value pairs.
func (m *Memory) SetBatch(pairs []KeyValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, kv := range pairs {
		valueCopy := make([]byte, len(kv.Value))
		copy(valueCopy, kv.Value)
		m.data[kv.Key] = valueCopy
	}

	return nil
}
