package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/values"
)

// Kind classifies audit events.
type Kind string

const (
	KindDecision    Kind = "decision"
	KindRTBFRequest Kind = "rtbf_request"
	KindRTBFLayer   Kind = "rtbf_layer"
	KindToken       Kind = "token"
	KindConsent     Kind = "consent"
	KindBudget      Kind = "budget"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindDecision, KindRTBFRequest, KindRTBFLayer, KindToken, KindConsent, KindBudget:
		return true
	}
	return false
}

// Event is one append-only audit record. Sequence, PreviousHash and Hash
// are assigned by the log on append.
type Event struct {
	ID           uuid.UUID       `json:"id"`
	Sequence     int64           `json:"sequence"`
	Kind         Kind            `json:"kind"`
	SubjectID    string          `json:"subject_id,omitempty"`
	RequesterID  string          `json:"requester_id,omitempty"`
	Outcome      string          `json:"outcome"`
	Reason       string          `json:"reason,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

// NewEvent builds an unsequenced event with payload encoded as JSON.
func NewEvent(kind Kind, subjectID, requesterID, outcome, reason string, payload interface{}, at time.Time) (Event, error) {
	if !kind.IsValid() {
		return Event{}, errors.NewValidationError("INVALID_EVENT_KIND", "unknown audit event kind "+string(kind))
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, errors.NewInternalError("failed to encode audit payload").WithCause(err)
		}
		raw = b
	}
	return Event{
		ID:          uuid.New(),
		Kind:        kind,
		SubjectID:   subjectID,
		RequesterID: requesterID,
		Outcome:     outcome,
		Reason:      reason,
		Payload:     raw,
		Timestamp:   at.UTC().Truncate(time.Microsecond),
	}, nil
}

// ComputeHash digests every field except Hash itself.
func (e Event) ComputeHash() (string, error) {
	content := struct {
		ID           string          `json:"id"`
		Sequence     int64           `json:"sequence"`
		Kind         Kind            `json:"kind"`
		SubjectID    string          `json:"subject_id"`
		RequesterID  string          `json:"requester_id"`
		Outcome      string          `json:"outcome"`
		Reason       string          `json:"reason"`
		Payload      json.RawMessage `json:"payload,omitempty"`
		TimestampNS  int64           `json:"timestamp_ns"`
		PreviousHash string          `json:"previous_hash"`
	}{
		ID:           e.ID.String(),
		Sequence:     e.Sequence,
		Kind:         e.Kind,
		SubjectID:    e.SubjectID,
		RequesterID:  e.RequesterID,
		Outcome:      e.Outcome,
		Reason:       e.Reason,
		Payload:      e.Payload,
		TimestampNS:  e.Timestamp.UnixNano(),
		PreviousHash: e.PreviousHash,
	}
	h, err := values.CanonicalHash(content)
	if err != nil {
		return "", errors.NewInternalError("failed to hash audit event").WithCause(err)
	}
	return h, nil
}

// Seal links e after the chain head and fills in Sequence, PreviousHash and
// Hash. Timestamps never run backwards along the chain: an event stamped
// before headTime (a concurrent writer that lost the append race) takes
// headTime instead.
func (e Event) Seal(sequence int64, previousHash string, headTime time.Time) (Event, error) {
	if e.Timestamp.Before(headTime) {
		e.Timestamp = headTime.UTC()
	}
	e.Sequence = sequence
	e.PreviousHash = previousHash
	h, err := e.ComputeHash()
	if err != nil {
		return Event{}, err
	}
	e.Hash = h
	return e, nil
}
