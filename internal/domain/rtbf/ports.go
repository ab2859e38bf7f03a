package rtbf

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

// PurgeResult is what a layer backend reports on success.
type PurgeResult struct {
	RecordsAffected int
	Details         map[string]interface{}
}

// Purger erases a subject from one layer.
type Purger interface {
	Layer() Layer
	Purge(ctx context.Context, subjectID string) (PurgeResult, error)
}

// PurgeFunc adapts a function into a Purger.
type PurgeFunc struct {
	L Layer
	F func(ctx context.Context, subjectID string) (PurgeResult, error)
}

func (p PurgeFunc) Layer() Layer { return p.L }

func (p PurgeFunc) Purge(ctx context.Context, subjectID string) (PurgeResult, error) {
	return p.F(ctx, subjectID)
}

type requestIDKey struct{}

// WithRequestID carries the erasure request id to purgers that forward it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the id set by WithRequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// BlockList records subjects whose data must no longer be served. Block is
// idempotent and reports whether the subject was newly added.
type BlockList interface {
	Block(ctx context.Context, subjectID string, at time.Time) (bool, error)
	IsBlocked(ctx context.Context, subjectID string) (bool, error)
}

// RequestStore keeps erasure requests. List with an empty status returns
// all requests; results are newest first.
type RequestStore interface {
	Save(ctx context.Context, req *Request) error
	Get(ctx context.Context, requestID string) (*Request, error)
	List(ctx context.Context, status Status) ([]Request, error)
	LatestCompleted(ctx context.Context, subjectID string) (*Request, error)
}

// MemoryBlockList is an in-process BlockList.
type MemoryBlockList struct {
	mu      sync.RWMutex
	blocked map[string]time.Time
}

func NewMemoryBlockList() *MemoryBlockList {
	return &MemoryBlockList{blocked: make(map[string]time.Time)}
}

func (b *MemoryBlockList) Block(_ context.Context, subjectID string, at time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.blocked[subjectID]; ok {
		return false, nil
	}
	b.blocked[subjectID] = at
	return true, nil
}

func (b *MemoryBlockList) IsBlocked(_ context.Context, subjectID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blocked[subjectID]
	return ok, nil
}

// MemoryRequestStore is an in-process RequestStore.
type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]Request
}

func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{requests: make(map[string]Request)}
}

func (s *MemoryRequestStore) Save(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = cloneRequest(*req)
	return nil
}

func (s *MemoryRequestStore) Get(_ context.Context, requestID string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[requestID]
	if !ok {
		return nil, errors.NewNotFoundError("rtbf request")
	}
	r = cloneRequest(r)
	return &r, nil
}

func (s *MemoryRequestStore) List(_ context.Context, status Status) ([]Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Request, 0)
	for _, r := range s.requests {
		if status == "" || r.Status == status {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryRequestStore) LatestCompleted(ctx context.Context, subjectID string) (*Request, error) {
	all, _ := s.List(ctx, StatusCompleted)
	for _, r := range all {
		if r.SubjectID == subjectID && r.Certificate != nil {
			return &r, nil
		}
	}
	return nil, errors.NewNotFoundError("deletion certificate")
}

func cloneRequest(r Request) Request {
	steps := make(map[string]StepResult, len(r.LayerStatus))
	for k, v := range r.LayerStatus {
		steps[k] = v
	}
	r.LayerStatus = steps
	r.Scope = append([]string(nil), r.Scope...)
	return r
}
