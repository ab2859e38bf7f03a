package consent

import (
	"context"
	"sync"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

// Store persists consent records with optimistic concurrency. Get returns a
// not-found error when the subject has no record. CompareAndSwap writes next
// only if the stored version equals expected (0 meaning absent). Delete
// reports whether a record existed.
type Store interface {
	Get(ctx context.Context, subjectID string) (*Record, error)
	CompareAndSwap(ctx context.Context, expected int64, next *Record) (bool, error)
	Delete(ctx context.Context, subjectID string) (bool, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(_ context.Context, subjectID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[subjectID]
	if !ok {
		return nil, errors.NewNotFoundError("consent record")
	}
	return &r, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, expected int64, next *Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[next.SubjectID]
	if (!ok && expected != 0) || (ok && current.Version != expected) {
		return false, nil
	}
	stored := *next
	stored.Version = expected + 1
	s.records[next.SubjectID] = stored
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, subjectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[subjectID]
	delete(s.records, subjectID)
	return ok, nil
}
