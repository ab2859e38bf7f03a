package budget

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

// AlertLevel describes how much of a window's budget is left.
type AlertLevel string

const (
	AlertOK        AlertLevel = "ok"
	AlertWarning   AlertLevel = "warning"
	AlertCritical  AlertLevel = "critical"
	AlertExhausted AlertLevel = "exhausted"
)

var (
	warningFraction  = decimal.RequireFromString("0.5")
	criticalFraction = decimal.RequireFromString("0.2")
)

// AlertFor grades the remaining fraction of total: above half is ok, 20-50%
// is a warning, below 20% is critical and nothing left is exhausted.
func AlertFor(remaining, total decimal.Decimal) AlertLevel {
	if !remaining.IsPositive() || !total.IsPositive() {
		return AlertExhausted
	}
	f := remaining.Div(total)
	switch {
	case f.GreaterThan(warningFraction):
		return AlertOK
	case f.LessThan(criticalFraction):
		return AlertCritical
	default:
		return AlertWarning
	}
}

// Account is one subject's epsilon allowance for the current window.
type Account struct {
	SubjectID       string          `json:"subject_id"`
	TotalEpsilon    decimal.Decimal `json:"total_epsilon"`
	ConsumedEpsilon decimal.Decimal `json:"consumed_epsilon"`
	WindowStart     time.Time       `json:"window_start"`
	WindowDuration  time.Duration   `json:"window_duration"`
	QueryCount      int             `json:"query_count"`
	LastQueryAt     *time.Time      `json:"last_query_at,omitempty"`
	// Version increments on every committed write; 0 means never stored.
	Version int64 `json:"version"`
}

// NewAccount opens a fresh window starting at now.
func NewAccount(subjectID string, total decimal.Decimal, window time.Duration, now time.Time) Account {
	return Account{
		SubjectID:       subjectID,
		TotalEpsilon:    total,
		ConsumedEpsilon: decimal.Zero,
		WindowStart:     now,
		WindowDuration:  window,
	}
}

func (a Account) Remaining() decimal.Decimal {
	return a.TotalEpsilon.Sub(a.ConsumedEpsilon)
}

func (a Account) WindowResetsAt() time.Time {
	return a.WindowStart.Add(a.WindowDuration)
}

func (a Account) AlertLevel() AlertLevel {
	return AlertFor(a.Remaining(), a.TotalEpsilon)
}

// CheckInvariant fails when 0 <= consumed <= total does not hold. Callers
// must abort on this error rather than repair the account.
func (a Account) CheckInvariant() error {
	if a.ConsumedEpsilon.IsNegative() || a.ConsumedEpsilon.GreaterThan(a.TotalEpsilon) {
		return errors.NewInvariantError(fmt.Sprintf(
			"budget invariant violated for %s: consumed %s, total %s",
			a.SubjectID, a.ConsumedEpsilon, a.TotalEpsilon))
	}
	return nil
}

// EffectiveState returns the account as it stands at now. An elapsed window
// is reset to zero consumption starting at now; nothing else changes.
func EffectiveState(a Account, now time.Time) Account {
	if a.WindowDuration > 0 && !now.Before(a.WindowResetsAt()) {
		a.ConsumedEpsilon = decimal.Zero
		a.WindowStart = now
		a.QueryCount = 0
	}
	return a
}

// View is the read-only projection returned by status queries.
type View struct {
	SubjectID       string     `json:"subject_id"`
	BudgetTotal     float64    `json:"budget_total"`
	BudgetConsumed  float64    `json:"budget_consumed"`
	BudgetRemaining float64    `json:"budget_remaining"`
	AlertLevel      AlertLevel `json:"alert_level"`
	QueryCount      int        `json:"query_count"`
	WindowStart     time.Time  `json:"window_start"`
	WindowResetsAt  time.Time  `json:"window_resets_at"`
}

func (a Account) View() View {
	return View{
		SubjectID:       a.SubjectID,
		BudgetTotal:     a.TotalEpsilon.InexactFloat64(),
		BudgetConsumed:  a.ConsumedEpsilon.InexactFloat64(),
		BudgetRemaining: a.Remaining().InexactFloat64(),
		AlertLevel:      a.AlertLevel(),
		QueryCount:      a.QueryCount,
		WindowStart:     a.WindowStart,
		WindowResetsAt:  a.WindowResetsAt(),
	}
}
