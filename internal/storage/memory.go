package storage

import (
	"context"
	"errors"
	"sync"
)

// ErrWriteRejected is returned by Memory when writes are switched off.
var ErrWriteRejected = errors.New("storage: write rejected")

// Memory is an in-process KV used by tests and the memory remote demo mode.
// Writes can be made to fail to simulate exhausted device storage.
type Memory struct {
	mu         sync.Mutex
	values     map[string][]byte
	failWrites bool
	writes     int
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

// Get implements KV.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Set implements KV.
func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites {
		return ErrWriteRejected
	}
	m.values[key] = append([]byte(nil), value...)
	m.writes++
	return nil
}

// FailWrites toggles write failures.
func (m *Memory) FailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

// Put stores raw bytes regardless of FailWrites, e.g. to plant corrupt state.
func (m *Memory) Put(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
}

// Writes reports how many successful Set calls happened.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Keys lists the stored keys.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys
}
