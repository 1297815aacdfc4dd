package unlock

import (
	"context"
	"sync"

	"storytime/internal/domain"
)

type memoryKey struct {
	device string
	story  string
	day    domain.Day
}

// MemoryStore хранит счётчики в памяти процесса.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[memoryKey]int
}

var _ domain.UnlockStore = (*MemoryStore)(nil)

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[memoryKey]int)}
}

// AdsCompleted реализует domain.UnlockStore.
func (m *MemoryStore) AdsCompleted(_ context.Context, deviceID, storyID string, day domain.Day) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[memoryKey{deviceID, storyID, day}], nil
}

// IncrementAds реализует domain.UnlockStore.
func (m *MemoryStore) IncrementAds(_ context.Context, deviceID, storyID string, day domain.Day, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memoryKey{deviceID, storyID, day}
	if m.counts[k] >= limit {
		return m.counts[k], false, nil
	}
	m.counts[k]++
	return m.counts[k], true, nil
}
