package token

import (
	"context"
	"sort"
	"sync"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

// Store holds live tokens and the set of completed tasks.
//
// CompareAndSwap replaces the token only if its stored version equals
// expected; a nil next deletes it. CompleteTask deletes every token of the
// task and marks it completed in one atomic step.
type Store interface {
	Get(ctx context.Context, tokenID string) (*Token, error)
	Put(ctx context.Context, t *Token) error
	CompareAndSwap(ctx context.Context, tokenID string, expected int64, next *Token) (bool, error)
	ListByTask(ctx context.Context, taskID string) ([]Token, error)
	ListByRequester(ctx context.Context, requesterID string) ([]Token, error)
	CompleteTask(ctx context.Context, taskID string) (int, error)
	IsTaskCompleted(ctx context.Context, taskID string) (bool, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	tokens    map[string]Token
	completed map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:    make(map[string]Token),
		completed: make(map[string]bool),
	}
}

func (s *MemoryStore) Get(_ context.Context, tokenID string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return nil, errors.NewNotFoundError("token")
	}
	return &t, nil
}

func (s *MemoryStore) Put(_ context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed[t.TaskID] {
		return errors.NewValidationError("TASK_COMPLETED", "task "+t.TaskID+" is already completed")
	}
	if _, ok := s.tokens[t.ID]; ok {
		return errors.NewConflictError("token " + t.ID + " already exists")
	}
	s.tokens[t.ID] = *t
	return nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, tokenID string, expected int64, next *Token) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tokens[tokenID]
	if !ok || current.Version != expected {
		return false, nil
	}
	if next == nil {
		delete(s.tokens, tokenID)
		return true, nil
	}
	stored := *next
	stored.Version = expected + 1
	s.tokens[tokenID] = stored
	return true, nil
}

func (s *MemoryStore) ListByTask(_ context.Context, taskID string) ([]Token, error) {
	return s.filter(func(t Token) bool { return t.TaskID == taskID }), nil
}

func (s *MemoryStore) ListByRequester(_ context.Context, requesterID string) ([]Token, error) {
	return s.filter(func(t Token) bool { return t.RequesterID == requesterID }), nil
}

func (s *MemoryStore) filter(keep func(Token) bool) []Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Token, 0)
	for _, t := range s.tokens {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

func (s *MemoryStore) CompleteTask(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tokens {
		if t.TaskID == taskID {
			delete(s.tokens, id)
			n++
		}
	}
	s.completed[taskID] = true
	return n, nil
}

func (s *MemoryStore) IsTaskCompleted(_ context.Context, taskID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed[taskID], nil
}
