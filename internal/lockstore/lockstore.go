// Package lockstore persists the last successful remediation time per
// failure type.
//
// The store is the sole source of deduplication truth for the dispatcher.
// It must tolerate concurrent access from independently scheduled dispatcher
// processes: Set is atomic with respect to concurrent Get/Set sequences from
// other processes. Callers treat a corrupt or unavailable store as
// "deduplication off" rather than a fatal condition.
package lockstore

import (
	"context"
	"sync"
)

// Store records the last remediation run time per failure type.
type Store interface {
	// Get returns the recorded epoch seconds for failureType, and whether
	// a record exists. A missing record is (0, false, nil).
	Get(ctx context.Context, failureType string) (int64, bool, error)

	// Set records epochSeconds as the last run time for failureType.
	Set(ctx context.Context, failureType string, epochSeconds int64) error

	// Close releases any underlying resources.
	Close() error
}

// Memory is an in-process Store for tests and for degraded operation when
// the durable backend is unavailable.
type Memory struct {
	mu    sync.RWMutex
	locks map[string]int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]int64)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, failureType string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.locks[failureType]
	return ts, ok, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, failureType string, epochSeconds int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[failureType] = epochSeconds
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

// Len returns the number of recorded failure types.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.locks)
}
