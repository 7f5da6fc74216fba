package scheduler

import (
	"context"
	"sync"
)

// Store persists the full schedule set. The scheduler writes through on every
// mutation and reads once on Start.
type Store interface {
	SaveSchedules(ctx context.Context, schedules []Schedule) error
	LoadSchedules(ctx context.Context) ([]Schedule, error)
}

// MemoryStore keeps schedules in process memory. It is the default and does
// not survive restarts.
type MemoryStore struct {
	mu        sync.Mutex
	schedules []Schedule
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SaveSchedules replaces the stored set.
func (m *MemoryStore) SaveSchedules(_ context.Context, schedules []Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.schedules = make([]Schedule, len(schedules))
	for i, s := range schedules {
		m.schedules[i] = s.clone()
	}
	return nil
}

// LoadSchedules returns a copy of the stored set.
func (m *MemoryStore) LoadSchedules(_ context.Context) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Schedule, len(m.schedules))
	for i, s := range m.schedules {
		out[i] = s.clone()
	}
	return out, nil
}
