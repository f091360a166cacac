package lock

import (
	"context"
	"sync"

	"github.com/Lllllllleong/documentcoordinator/internal/models"
)

// MemoryStore is an in-process Store. Update holds a single mutex, which makes
// every transaction trivially atomic. Useful for tests and the local CLI.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*models.ProcessingRecord

	// failErr, when set, makes every Update return it. Simulates an outage.
	failErr error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.ProcessingRecord)}
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}

	next, err := fn(s.records[id].Clone())
	if err != nil {
		return err
	}
	if next != nil {
		s.records[id] = next.Clone()
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.ProcessingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// SetFailure toggles the simulated outage under the store's mutex.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Put seeds a record directly, bypassing locking. Test helper.
func (s *MemoryStore) Put(rec *models.ProcessingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec.Clone()
}
