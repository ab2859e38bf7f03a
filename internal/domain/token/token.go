package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

// TaskType is the kind of work a token is scoped to.
type TaskType string

const (
	TaskInference  TaskType = "inference"
	TaskTraining   TaskType = "training"
	TaskAnalysis   TaskType = "analysis"
	TaskEvaluation TaskType = "evaluation"
)

func (t TaskType) IsValid() bool {
	switch t {
	case TaskInference, TaskTraining, TaskAnalysis, TaskEvaluation:
		return true
	}
	return false
}

// Bounds on issued tokens.
const (
	MinTTLSeconds = 30
	MaxTTLSeconds = 3600
	MinUses       = 1
	MaxUses       = 10
)

// Spec describes a token to issue.
type Spec struct {
	TaskID        string   `json:"task_id"`
	TaskType      TaskType `json:"task_type"`
	RequesterID   string   `json:"requester_id,omitempty"`
	MaxTTLSeconds int      `json:"max_ttl_seconds"`
	MaxUses       int      `json:"max_uses"`
	DataScope     []string `json:"data_scope"`
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.TaskID) == "" {
		return errors.NewValidationError("MISSING_TASK", "task_id is required")
	}
	if !s.TaskType.IsValid() {
		return errors.NewValidationError("INVALID_TASK_TYPE", fmt.Sprintf("unknown task_type %q", s.TaskType))
	}
	if s.MaxTTLSeconds < MinTTLSeconds || s.MaxTTLSeconds > MaxTTLSeconds {
		return errors.NewValidationError("INVALID_TTL",
			fmt.Sprintf("max_ttl_seconds must be between %d and %d", MinTTLSeconds, MaxTTLSeconds))
	}
	if s.MaxUses < MinUses || s.MaxUses > MaxUses {
		return errors.NewValidationError("INVALID_USES",
			fmt.Sprintf("max_uses must be between %d and %d", MinUses, MaxUses))
	}
	return nil
}

// Token is a task-scoped capability. It is removed from the store, not
// flagged, once destroyed.
type Token struct {
	ID            string    `json:"token_id"`
	TaskID        string    `json:"task_id"`
	TaskType      TaskType  `json:"task_type"`
	RequesterID   string    `json:"requester_id,omitempty"`
	DataScope     []string  `json:"data_scope"`
	MaxTTLSeconds int       `json:"max_ttl_seconds"`
	MaxUses       int       `json:"max_uses"`
	UsesRemaining int       `json:"uses_remaining"`
	IssuedAt      time.Time `json:"issued_at"`
	Version       int64     `json:"version"`
}

// New issues a fresh token from a validated spec.
func New(spec Spec, now time.Time) Token {
	scope := spec.DataScope
	if scope == nil {
		scope = []string{}
	}
	return Token{
		ID:            uuid.NewString(),
		TaskID:        spec.TaskID,
		TaskType:      spec.TaskType,
		RequesterID:   spec.RequesterID,
		DataScope:     scope,
		MaxTTLSeconds: spec.MaxTTLSeconds,
		MaxUses:       spec.MaxUses,
		UsesRemaining: spec.MaxUses,
		IssuedAt:      now,
		Version:       1,
	}
}

func (t Token) ExpiresAt() time.Time {
	return t.IssuedAt.Add(time.Duration(t.MaxTTLSeconds) * time.Second)
}

// Expired is true once issued_at + ttl <= now.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt())
}

func (t Token) Exhausted() bool {
	return t.UsesRemaining <= 0
}

// State is the token's lazily evaluated lifecycle state.
type State string

const (
	StateAlive     State = "alive"
	StateExpired   State = "expired"
	StateExhausted State = "exhausted"
)

func (t Token) StateAt(now time.Time) State {
	switch {
	case t.Exhausted():
		return StateExhausted
	case t.Expired(now):
		return StateExpired
	}
	return StateAlive
}

// Consumption is the result of a successful validate-and-consume.
type Consumption struct {
	TokenID       string   `json:"token_id"`
	TaskID        string   `json:"task_id"`
	UsesRemaining int      `json:"uses_remaining"`
	Destroyed     bool     `json:"destroyed"`
	DataScope     []string `json:"data_scope"`
}

// StatusView is a read-only snapshot for reporting.
type StatusView struct {
	TokenID       string    `json:"token_id"`
	TaskID        string    `json:"task_id"`
	TaskType      TaskType  `json:"task_type"`
	State         State     `json:"state"`
	UsesRemaining int       `json:"uses_remaining"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	DataScope     []string  `json:"data_scope"`
}

func (t Token) Status(now time.Time) StatusView {
	return StatusView{
		TokenID:       t.ID,
		TaskID:        t.TaskID,
		TaskType:      t.TaskType,
		State:         t.StateAt(now),
		UsesRemaining: t.UsesRemaining,
		IssuedAt:      t.IssuedAt,
		ExpiresAt:     t.ExpiresAt(),
		DataScope:     t.DataScope,
	}
}
