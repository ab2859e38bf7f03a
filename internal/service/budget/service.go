package budget

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/clock"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/budget"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/keylock"
	"github.com/davidleathers/privacy-decision-gateway/internal/metrics"
)

// maxCASAttempts bounds retries when another instance wins a write race.
const maxCASAttempts = 32

var _ Service = (*service)(nil)

type service struct {
	logger   *zap.Logger
	store    budget.Store
	history  budget.HistoryLog
	clock    clock.Clock
	locks    *keylock.Locker
	metrics  *metrics.Registry
	defaults Defaults
	total    decimal.Decimal
}

// NewService creates the budget ledger. history and registry may be nil.
func NewService(
	logger *zap.Logger,
	store budget.Store,
	history budget.HistoryLog,
	clk clock.Clock,
	registry *metrics.Registry,
	defaults Defaults,
) (Service, error) {
	if defaults.TotalEpsilon <= 0 {
		return nil, errors.NewValidationError("INVALID_BUDGET", "default total epsilon must be positive")
	}
	if defaults.Window <= 0 {
		return nil, errors.NewValidationError("INVALID_BUDGET", "budget window must be positive")
	}
	if err := defaults.CostModel.Validate(); err != nil {
		return nil, err
	}
	if history == nil {
		history = budget.NewMemoryHistory(budget.DefaultHistoryLimit)
	}
	if clk == nil {
		clk = clock.System()
	}
	return &service{
		logger:   logger,
		store:    store,
		history:  history,
		clock:    clk,
		locks:    keylock.New(),
		metrics:  registry,
		defaults: defaults,
		total:    decimal.NewFromFloat(defaults.TotalEpsilon),
	}, nil
}

// CheckAndConsume implements the atomic read-reset-price-commit cycle.
func (s *service) CheckAndConsume(ctx context.Context, q budget.Query) (*CheckResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	cost, err := s.defaults.CostModel.Cost(q.QueryType, q.Sensitivity, q.NumRecords)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(
		zap.String("subject_id", q.SubjectID),
		zap.String("query_type", string(q.QueryType)),
		zap.String("cost", cost.String()),
	)

	unlock := s.locks.Lock(q.SubjectID)
	defer unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		now := s.clock.Now()
		current, err := s.load(ctx, q.SubjectID, now)
		if err != nil {
			return nil, err
		}

		eff := budget.EffectiveState(current, now)
		if err := eff.CheckInvariant(); err != nil {
			s.metrics.RecordInvariantViolation(ctx, "budget")
			logger.Error("budget account violates invariant", zap.Error(err))
			return nil, err
		}

		if eff.ConsumedEpsilon.Add(cost).GreaterThan(eff.TotalEpsilon) {
			if current.Version == 0 || !eff.WindowStart.Equal(current.WindowStart) {
				// Persist a fresh account or a lapsed window; consumption stays as is.
				ok, err := s.commit(ctx, current.Version, eff)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			res := &CheckResult{
				Allowed: false,
				Reason: fmt.Sprintf("privacy budget exhausted: required %sε, available %sε",
					cost.StringFixed(4), eff.Remaining().StringFixed(4)),
				AlertLevel:      budget.AlertExhausted,
				QueryCost:       cost.InexactFloat64(),
				BudgetRemaining: eff.Remaining().InexactFloat64(),
				BudgetTotal:     eff.TotalEpsilon.InexactFloat64(),
				WindowResetsAt:  eff.WindowResetsAt(),
			}
			s.record(ctx, q, res, now)
			logger.Info("privacy budget denied query", zap.String("remaining", eff.Remaining().String()))
			return res, nil
		}

		next := eff
		next.ConsumedEpsilon = eff.ConsumedEpsilon.Add(cost)
		next.QueryCount++
		next.LastQueryAt = &now
		if err := next.CheckInvariant(); err != nil {
			s.metrics.RecordInvariantViolation(ctx, "budget")
			return nil, err
		}

		ok, err := s.commit(ctx, current.Version, next)
		if err != nil {
			return nil, err
		}
		if !ok {
			logger.Debug("budget write lost a race, retrying", zap.Int("attempt", attempt))
			continue
		}

		res := &CheckResult{
			Allowed:         true,
			Reason:          fmt.Sprintf("query allowed, consumed %sε", cost.StringFixed(4)),
			AlertLevel:      next.AlertLevel(),
			QueryCost:       cost.InexactFloat64(),
			BudgetRemaining: next.Remaining().InexactFloat64(),
			BudgetTotal:     next.TotalEpsilon.InexactFloat64(),
			WindowResetsAt:  next.WindowResetsAt(),
		}
		s.record(ctx, q, res, now)
		return res, nil
	}

	return nil, errors.NewInternalError("budget account under sustained write contention").
		WithDetails(map[string]interface{}{"subject_id": q.SubjectID})
}

// load returns the stored account or an unsaved default one (Version 0).
func (s *service) load(ctx context.Context, subjectID string, now time.Time) (budget.Account, error) {
	acct, err := s.store.Get(ctx, subjectID)
	if errors.IsNotFound(err) {
		return budget.NewAccount(subjectID, s.total, s.defaults.Window, now), nil
	}
	if err != nil {
		return budget.Account{}, errors.NewInternalError("failed to load budget account").WithCause(err)
	}
	return *acct, nil
}

func (s *service) commit(ctx context.Context, expected int64, next budget.Account) (bool, error) {
	next.Version = expected + 1
	ok, err := s.store.CompareAndSwap(ctx, expected, &next)
	if err != nil {
		return false, errors.NewInternalError("failed to store budget account").WithCause(err)
	}
	return ok, nil
}

func (s *service) record(ctx context.Context, q budget.Query, res *CheckResult, now time.Time) {
	s.metrics.RecordBudgetCheck(ctx, res.Allowed, string(res.AlertLevel), res.QueryCost)

	entry := budget.HistoryEntry{
		Timestamp:   now,
		SubjectID:   q.SubjectID,
		RequesterID: q.RequesterID,
		QueryType:   q.QueryType,
		Sensitivity: string(q.Sensitivity),
		NumRecords:  q.NumRecords,
		Purpose:     string(q.Purpose),
		Cost:        res.QueryCost,
		Allowed:     res.Allowed,
		AlertLevel:  res.AlertLevel,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		s.logger.Warn("failed to append budget history", zap.String("subject_id", q.SubjectID), zap.Error(err))
	}
}

func (s *service) Status(ctx context.Context, subjectID string) (*budget.View, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, errors.NewValidationError("MISSING_SUBJECT", "subject_id is required")
	}
	acct, err := s.store.Get(ctx, subjectID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.NewInternalError("failed to load budget account").WithCause(err)
	}
	eff := budget.EffectiveState(*acct, s.clock.Now())
	if err := eff.CheckInvariant(); err != nil {
		s.metrics.RecordInvariantViolation(ctx, "budget")
		return nil, err
	}
	view := eff.View()
	return &view, nil
}

func (s *service) SetBudget(ctx context.Context, req SetBudgetRequest) (*budget.View, error) {
	if strings.TrimSpace(req.SubjectID) == "" {
		return nil, errors.NewValidationError("MISSING_SUBJECT", "subject_id is required")
	}
	if req.TotalEpsilon <= 0 {
		return nil, errors.NewValidationError("INVALID_BUDGET", "total_epsilon must be positive")
	}
	window := req.Window
	if window == 0 {
		window = s.defaults.Window
	}
	if window < 0 {
		return nil, errors.NewValidationError("INVALID_BUDGET", "window must be positive")
	}
	total := decimal.NewFromFloat(req.TotalEpsilon)

	unlock := s.locks.Lock(req.SubjectID)
	defer unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		now := s.clock.Now()
		current, err := s.load(ctx, req.SubjectID, now)
		if err != nil {
			return nil, err
		}
		next := budget.EffectiveState(current, now)
		if next.ConsumedEpsilon.GreaterThan(total) {
			return nil, errors.NewValidationError("BUDGET_BELOW_CONSUMED",
				fmt.Sprintf("total %s is below epsilon already consumed in this window (%s)", total, next.ConsumedEpsilon))
		}
		next.TotalEpsilon = total
		next.WindowDuration = window

		ok, err := s.commit(ctx, current.Version, next)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		s.logger.Info("privacy budget overridden",
			zap.String("subject_id", req.SubjectID),
			zap.String("total", total.String()),
			zap.Duration("window", window))
		view := next.View()
		return &view, nil
	}
	return nil, errors.NewInternalError("budget account under sustained write contention")
}

func (s *service) History(ctx context.Context, subjectID string, limit int) ([]budget.HistoryEntry, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, errors.NewValidationError("MISSING_SUBJECT", "subject_id is required")
	}
	entries, err := s.history.List(ctx, subjectID, limit)
	if err != nil {
		return nil, errors.NewInternalError("failed to read budget history").WithCause(err)
	}
	return entries, nil
}

func (s *service) Forget(ctx context.Context, subjectID string) (int, error) {
	unlock := s.locks.Lock(subjectID)
	defer unlock()

	affected := 0
	if _, err := s.store.Get(ctx, subjectID); err == nil {
		affected++
	} else if !errors.IsNotFound(err) {
		return 0, errors.NewInternalError("failed to load budget account").WithCause(err)
	}
	entries, err := s.history.List(ctx, subjectID, 0)
	if err != nil {
		return 0, errors.NewInternalError("failed to read budget history").WithCause(err)
	}
	affected += len(entries)

	if err := s.store.Delete(ctx, subjectID); err != nil {
		return 0, errors.NewInternalError("failed to delete budget account").WithCause(err)
	}
	if err := s.history.Clear(ctx, subjectID); err != nil {
		return 0, errors.NewInternalError("failed to clear budget history").WithCause(err)
	}
	return affected, nil
}
