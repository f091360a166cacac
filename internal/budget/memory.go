package budget

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]int64)}
}

func memKey(scope Scope, windowKey string) string {
	return string(scope) + "/" + windowKey
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context, scope Scope, windowKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.counts[memKey(scope, windowKey)], nil
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, scope Scope, windowKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.counts[memKey(scope, windowKey)]++
	return nil
}

// SetFailure makes every call return err until cleared with nil.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
