package cache

import (
	"context"
	"sync"
)

// Store defines the caching contract consumed by the metadata factory.
type Store interface {
	// Get retrieves a cached value by key. The boolean result indicates presence.
	Get(ctx context.Context, key string) (any, bool, error)
	// Set associates a value with the provided key.
	Set(ctx context.Context, key string, value any) error
	// Delete removes the value for the provided key.
	Delete(ctx context.Context, key string) error
}

// nopStore is a Store implementation that never caches values.
type nopStore struct{}

// Nop returns a Store implementation that disables caching while preserving the
// expected interface contracts.
func Nop() Store {
	return nopStore{}
}

func (nopStore) Get(context.Context, string) (any, bool, error) { return nil, false, nil }

func (nopStore) Set(context.Context, string, any) error { return nil }

func (nopStore) Delete(context.Context, string) error { return nil }

// Memory is a process-local Store backed by a map.
type Memory struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]any)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]any)
	}
	m.values[key] = value
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Len reports the number of cached entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
