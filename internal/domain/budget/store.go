package budget

import (
	"context"
	"sync"
	"time"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

// Store persists accounts with optimistic concurrency. Get returns a
// not-found error for unknown subjects. CompareAndSwap writes next only if
// the stored version equals expected (0 meaning absent) and reports whether
// the write happened; next.Version must be expected+1.
type Store interface {
	Get(ctx context.Context, subjectID string) (*Account, error)
	CompareAndSwap(ctx context.Context, expected int64, next *Account) (bool, error)
	Delete(ctx context.Context, subjectID string) error
}

// HistoryEntry records one priced query, allowed or not.
type HistoryEntry struct {
	Timestamp   time.Time  `json:"timestamp"`
	SubjectID   string     `json:"subject_id"`
	RequesterID string     `json:"requester_id,omitempty"`
	QueryType   QueryType  `json:"query_type"`
	Sensitivity string     `json:"data_sensitivity"`
	NumRecords  int        `json:"num_records"`
	Purpose     string     `json:"purpose,omitempty"`
	Cost        float64    `json:"query_cost"`
	Allowed     bool       `json:"allowed"`
	AlertLevel  AlertLevel `json:"alert_level"`
}

// HistoryLog keeps the most recent entries per subject, newest first.
type HistoryLog interface {
	Append(ctx context.Context, entry HistoryEntry) error
	List(ctx context.Context, subjectID string, limit int) ([]HistoryEntry, error)
	Clear(ctx context.Context, subjectID string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]Account)}
}

func (s *MemoryStore) Get(_ context.Context, subjectID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[subjectID]
	if !ok {
		return nil, errors.NewNotFoundError("budget account")
	}
	return &a, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, expected int64, next *Account) (bool, error) {
	if next.Version != expected+1 {
		return false, errors.NewInternalError("budget account version must advance by one")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.accounts[next.SubjectID]
	if (!ok && expected != 0) || (ok && current.Version != expected) {
		return false, nil
	}
	s.accounts[next.SubjectID] = *next
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, subjectID)
	return nil
}

// MemoryHistory is an in-process HistoryLog capped per subject.
type MemoryHistory struct {
	mu      sync.Mutex
	limit   int
	entries map[string][]HistoryEntry
}

// DefaultHistoryLimit bounds per-subject history.
const DefaultHistoryLimit = 1000

func NewMemoryHistory(limit int) *MemoryHistory {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &MemoryHistory{limit: limit, entries: make(map[string][]HistoryEntry)}
}

func (h *MemoryHistory) Append(_ context.Context, e HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append([]HistoryEntry{e}, h.entries[e.SubjectID]...)
	if len(list) > h.limit {
		list = list[:h.limit]
	}
	h.entries[e.SubjectID] = list
	return nil
}

func (h *MemoryHistory) List(_ context.Context, subjectID string, limit int) ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.entries[subjectID]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	out := make([]HistoryEntry, len(list))
	copy(out, list)
	return out, nil
}

func (h *MemoryHistory) Clear(_ context.Context, subjectID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, subjectID)
	return nil
}
