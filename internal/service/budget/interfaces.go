package budget

import (
	"context"
	"time"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/budget"
)

// Service is the privacy budget ledger.
type Service interface {
	// CheckAndConsume prices the query and commits it only when it fits in
	// the subject's remaining budget. It is linearizable per subject.
	CheckAndConsume(ctx context.Context, q budget.Query) (*CheckResult, error)
	// Status reports the current window without creating or changing the
	// account.
	Status(ctx context.Context, subjectID string) (*budget.View, error)
	// SetBudget overrides a subject's total and window length.
	SetBudget(ctx context.Context, req SetBudgetRequest) (*budget.View, error)
	History(ctx context.Context, subjectID string, limit int) ([]budget.HistoryEntry, error)
	// Forget drops the account and history of an erased subject.
	Forget(ctx context.Context, subjectID string) (int, error)
}

// CheckResult is the outcome of CheckAndConsume.
type CheckResult struct {
	Allowed         bool              `json:"allowed"`
	Reason          string            `json:"reason"`
	AlertLevel      budget.AlertLevel `json:"alert_level"`
	QueryCost       float64           `json:"query_cost"`
	BudgetRemaining float64           `json:"budget_remaining"`
	BudgetTotal     float64           `json:"budget_total"`
	WindowResetsAt  time.Time         `json:"window_resets_at"`
}

type SetBudgetRequest struct {
	SubjectID    string        `json:"subject_id"`
	TotalEpsilon float64       `json:"total_epsilon"`
	Window       time.Duration `json:"window"`
}

// Defaults configures new accounts.
type Defaults struct {
	TotalEpsilon float64
	Window       time.Duration
	CostModel    budget.CostModel
}
