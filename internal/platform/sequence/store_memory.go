package sequence

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and database-less development.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]int64)}
}

func (s *MemoryStore) Read(ctx context.Context, scope string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.counters[scope]
	return v, ok, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, scope string, expected int64, found bool, next int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.counters[scope]
	if ok != found || (ok && cur != expected) {
		return false, nil
	}
	s.counters[scope] = next
	return true, nil
}

// Value returns the stored counter for scope (0 when absent).
func (s *MemoryStore) Value(scope string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[scope]
}
