package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// Sink accepts events for append-only storage and returns the sealed copy.
type Sink interface {
	Append(ctx context.Context, e Event) (Event, error)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind        Kind
	SubjectID   string
	RequesterID string
	Outcome     string
	Limit       int
	Offset      int
}

func (f Filter) matches(e Event) bool {
	return (f.Kind == "" || e.Kind == f.Kind) &&
		(f.SubjectID == "" || e.SubjectID == f.SubjectID) &&
		(f.RequesterID == "" || e.RequesterID == f.RequesterID) &&
		(f.Outcome == "" || e.Outcome == f.Outcome)
}

// Stats aggregates the log for reporting.
type Stats struct {
	Total     int            `json:"total"`
	ByKind    map[Kind]int   `json:"by_kind"`
	ByOutcome map[string]int `json:"by_outcome"`
	Redacted  int            `json:"redacted_subjects"`
}

// Reader serves read-only reporting queries. Events of anonymized subjects
// are returned redacted.
type Reader interface {
	List(ctx context.Context, f Filter) ([]Event, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Anonymizer hides a subject's identifiers from every read without
// altering stored events, so the hash chain stays verifiable.
type Anonymizer interface {
	Anonymize(ctx context.Context, subjectID string) (int, error)
}

// Log is a complete audit store.
type Log interface {
	Sink
	Reader
	Anonymizer
	Verify(ctx context.Context) (*ChainVerificationResult, error)
}

// Pseudonym is the stable replacement for an anonymized subject identifier.
func Pseudonym(subjectID string) string {
	sum := sha256.Sum256([]byte("audit-anon:" + subjectID))
	return "anon_" + hex.EncodeToString(sum[:])[:16]
}

var redactedPayload = json.RawMessage(`{"redacted":true}`)

// Redact returns the event as readers see it once its subject is
// anonymized. The stored event is untouched.
func Redact(e Event) Event {
	subject := e.SubjectID
	e.SubjectID = Pseudonym(subject)
	if e.RequesterID == subject {
		e.RequesterID = e.SubjectID
	}
	if len(e.Payload) > 0 {
		e.Payload = redactedPayload
	}
	return e
}

// MemoryLog is an in-process hash-chained Log.
type MemoryLog struct {
	mu         sync.RWMutex
	events     []Event
	anonymized map[string]bool
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{anonymized: make(map[string]bool)}
}

func (l *MemoryLog) Append(_ context.Context, e Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		seq      int64 = 1
		prev     string
		headTime time.Time
	)
	if n := len(l.events); n > 0 {
		seq = l.events[n-1].Sequence + 1
		prev = l.events[n-1].Hash
		headTime = l.events[n-1].Timestamp
	}
	sealed, err := e.Seal(seq, prev, headTime)
	if err != nil {
		return Event{}, err
	}
	l.events = append(l.events, sealed)
	return sealed, nil
}

func (l *MemoryLog) List(_ context.Context, f Filter) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0)
	skipped := 0
	// newest first
	for i := len(l.events) - 1; i >= 0; i-- {
		e := l.events[i]
		if !f.matches(e) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		if l.anonymized[e.SubjectID] {
			e = Redact(e)
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) Stats(_ context.Context) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := &Stats{
		Total:     len(l.events),
		ByKind:    make(map[Kind]int),
		ByOutcome: make(map[string]int),
		Redacted:  len(l.anonymized),
	}
	for _, e := range l.events {
		s.ByKind[e.Kind]++
		s.ByOutcome[e.Outcome]++
	}
	return s, nil
}

func (l *MemoryLog) Anonymize(_ context.Context, subjectID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.anonymized[subjectID] = true
	n := 0
	for _, e := range l.events {
		if e.SubjectID == subjectID {
			n++
		}
	}
	return n, nil
}

func (l *MemoryLog) Verify(_ context.Context) (*ChainVerificationResult, error) {
	l.mu.RLock()
	events := make([]Event, len(l.events))
	copy(events, l.events)
	l.mu.RUnlock()
	return VerifyChain(events), nil
}
