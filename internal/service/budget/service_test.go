package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/access"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/budget"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/testutil"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, store budget.Store, clk *testutil.FakeClock) Service {
	t.Helper()
	svc, err := NewService(zaptest.NewLogger(t), store, nil, clk, nil, Defaults{
		TotalEpsilon: 1.0,
		Window:       24 * time.Hour,
		CostModel:    budget.DefaultCostModel(),
	})
	require.NoError(t, err)
	return svc
}

func query(subject string, qt budget.QueryType, s access.Sensitivity, n int) budget.Query {
	return budget.Query{SubjectID: subject, QueryType: qt, Sensitivity: s, NumRecords: n, Purpose: access.PurposeAnalytics}
}

func TestService_CheckAndConsume(t *testing.T) {
	tests := []struct {
		name     string
		queries  []budget.Query
		validate func(t *testing.T, results []*CheckResult)
	}{
		{
			name:    "first query creates account and charges base cost",
			queries: []budget.Query{query("s1", budget.QueryIndividual, access.SensitivityMedium, 1)},
			validate: func(t *testing.T, r []*CheckResult) {
				assert.True(t, r[0].Allowed)
				assert.InDelta(t, 0.25, r[0].QueryCost, 1e-9)
				assert.InDelta(t, 0.75, r[0].BudgetRemaining, 1e-9)
				assert.Equal(t, budget.AlertOK, r[0].AlertLevel)
				assert.Equal(t, epoch.Add(24*time.Hour), r[0].WindowResetsAt)
			},
		},
		{
			name: "alert level degrades as budget drains",
			queries: []budget.Query{
				query("s1", budget.QueryIndividual, access.SensitivityHigh, 1),
				query("s1", budget.QueryIndividual, access.SensitivityMedium, 1),
				query("s1", budget.QueryIndividual, access.SensitivityLow, 1),
			},
			validate: func(t *testing.T, r []*CheckResult) {
				assert.Equal(t, budget.AlertWarning, r[0].AlertLevel) // 0.5 left
				assert.Equal(t, budget.AlertWarning, r[1].AlertLevel) // 0.25 left
				assert.Equal(t, budget.AlertCritical, r[2].AlertLevel) // 0.15 left
			},
		},
		{
			name: "exact exhaustion then idempotent rejection",
			queries: []budget.Query{
				query("s1", budget.QueryIndividual, access.SensitivityHigh, 1),
				query("s1", budget.QueryIndividual, access.SensitivityHigh, 1),
				query("s1", budget.QueryAggregate, access.SensitivityLow, 1),
				query("s1", budget.QueryAggregate, access.SensitivityLow, 1),
			},
			validate: func(t *testing.T, r []*CheckResult) {
				assert.True(t, r[0].Allowed)
				assert.True(t, r[1].Allowed)
				assert.Equal(t, budget.AlertExhausted, r[1].AlertLevel)
				assert.Equal(t, 0.0, r[1].BudgetRemaining)
				for _, denied := range r[2:] {
					assert.False(t, denied.Allowed)
					assert.Equal(t, budget.AlertExhausted, denied.AlertLevel)
					assert.Equal(t, 0.0, denied.BudgetRemaining)
					assert.Contains(t, denied.Reason, "privacy budget exhausted")
				}
			},
		},
		{
			name: "denied query leaves consumption unchanged",
			queries: []budget.Query{
				query("s1", budget.QueryIndividual, access.SensitivityMedium, 1),
				query("s1", budget.QueryRaw, access.SensitivityHigh, 1),
				query("s1", budget.QueryIndividual, access.SensitivityHigh, 1),
			},
			validate: func(t *testing.T, r []*CheckResult) {
				assert.False(t, r[1].Allowed)
				assert.InDelta(t, 0.75, r[1].BudgetRemaining, 1e-9)
				assert.True(t, r[2].Allowed)
				assert.InDelta(t, 0.25, r[2].BudgetRemaining, 1e-9)
			},
		},
		{
			name: "subjects are independent",
			queries: []budget.Query{
				query("s1", budget.QueryRaw, access.SensitivityHigh, 1),
				query("s2", budget.QueryRaw, access.SensitivityHigh, 1),
			},
			validate: func(t *testing.T, r []*CheckResult) {
				assert.True(t, r[0].Allowed)
				assert.True(t, r[1].Allowed)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, budget.NewMemoryStore(), testutil.NewFakeClock(epoch))
			var results []*CheckResult
			for _, q := range tt.queries {
				res, err := svc.CheckAndConsume(context.Background(), q)
				require.NoError(t, err)
				results = append(results, res)
			}
			tt.validate(t, results)
		})
	}
}

func TestService_CheckAndConsume_Validation(t *testing.T) {
	store := &mockStore{}
	svc := newTestService(t, store, testutil.NewFakeClock(epoch))

	tests := []struct {
		name  string
		query budget.Query
	}{
		{"missing subject", query("", budget.QueryAggregate, access.SensitivityLow, 1)},
		{"unknown query type", query("s1", "sample", access.SensitivityLow, 1)},
		{"unknown sensitivity", query("s1", budget.QueryAggregate, "secret", 1)},
		{"negative records", query("s1", budget.QueryAggregate, access.SensitivityLow, -1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CheckAndConsume(context.Background(), tt.query)
			assert.True(t, errors.IsValidation(err))
		})
	}
	// rejected before touching state
	store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestService_WindowReset(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	svc := newTestService(t, budget.NewMemoryStore(), clk)
	ctx := context.Background()

	res, err := svc.CheckAndConsume(ctx, query("s1", budget.QueryRaw, access.SensitivityHigh, 1))
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = svc.CheckAndConsume(ctx, query("s1", budget.QueryAggregate, access.SensitivityLow, 1))
	require.NoError(t, err)
	require.False(t, res.Allowed)

	clk.Advance(24*time.Hour + time.Millisecond)

	view, err := svc.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, view.BudgetConsumed)

	res, err = svc.CheckAndConsume(ctx, query("s1", budget.QueryAggregate, access.SensitivityLow, 1))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.InDelta(t, 0.99, res.BudgetRemaining, 1e-9)
	assert.Equal(t, clk.Now().Add(24*time.Hour), res.WindowResetsAt)
}

func TestService_Status(t *testing.T) {
	store := budget.NewMemoryStore()
	svc := newTestService(t, store, testutil.NewFakeClock(epoch))
	ctx := context.Background()

	_, err := svc.Status(ctx, "nobody")
	assert.True(t, errors.IsNotFound(err))
	_, err = store.Get(ctx, "nobody")
	assert.True(t, errors.IsNotFound(err), "status must not create accounts")

	_, err = svc.CheckAndConsume(ctx, query("s1", budget.QueryIndividual, access.SensitivityLow, 1))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		view, err := svc.Status(ctx, "s1")
		require.NoError(t, err)
		assert.InDelta(t, 0.1, view.BudgetConsumed, 1e-9)
		assert.Equal(t, 1, view.QueryCount)
	}
}

func TestService_ConcurrentConsumptionNeverOverspends(t *testing.T) {
	svc := newTestService(t, budget.NewMemoryStore(), testutil.NewFakeClock(epoch))
	ctx := context.Background()

	const workers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.CheckAndConsume(ctx, query("shared", budget.QueryIndividual, access.SensitivityLow, 1))
			require.NoError(t, err)
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 1.0 / 0.1 = exactly ten approvals
	assert.Equal(t, 10, allowed)
	view, err := svc.Status(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, 1.0, view.BudgetConsumed)
}

func TestService_InvariantViolationIsFatal(t *testing.T) {
	store := &mockStore{}
	corrupt := budget.NewAccount("s1", decimal.RequireFromString("1.0"), 24*time.Hour, epoch)
	corrupt.ConsumedEpsilon = decimal.RequireFromString("1.5")
	corrupt.Version = 7
	store.On("Get", mock.Anything, "s1").Return(&corrupt, nil)

	svc := newTestService(t, store, testutil.NewFakeClock(epoch))
	res, err := svc.CheckAndConsume(context.Background(), query("s1", budget.QueryAggregate, access.SensitivityLow, 1))

	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.IsInvariant(err))
	store.AssertNotCalled(t, "CompareAndSwap", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_RetriesLostRace(t *testing.T) {
	store := &mockStore{}
	acct := budget.NewAccount("s1", decimal.RequireFromString("1.0"), 24*time.Hour, epoch)
	acct.Version = 3
	store.On("Get", mock.Anything, "s1").Return(&acct, nil)
	store.On("CompareAndSwap", mock.Anything, int64(3), mock.Anything).Return(false, nil).Once()
	store.On("CompareAndSwap", mock.Anything, int64(3), mock.Anything).Return(true, nil).Once()

	svc := newTestService(t, store, testutil.NewFakeClock(epoch))
	res, err := svc.CheckAndConsume(context.Background(), query("s1", budget.QueryAggregate, access.SensitivityLow, 1))

	require.NoError(t, err)
	assert.True(t, res.Allowed)
	store.AssertNumberOfCalls(t, "CompareAndSwap", 2)
}

func TestService_SetBudget(t *testing.T) {
	svc := newTestService(t, budget.NewMemoryStore(), testutil.NewFakeClock(epoch))
	ctx := context.Background()

	view, err := svc.SetBudget(ctx, SetBudgetRequest{SubjectID: "s1", TotalEpsilon: 2.0, Window: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 2.0, view.BudgetTotal)
	assert.Equal(t, epoch.Add(time.Hour), view.WindowResetsAt)

	_, err = svc.CheckAndConsume(ctx, query("s1", budget.QueryRaw, access.SensitivityHigh, 1))
	require.NoError(t, err)
	_, err = svc.CheckAndConsume(ctx, query("s1", budget.QueryRaw, access.SensitivityMedium, 1))
	require.NoError(t, err)

	_, err = svc.SetBudget(ctx, SetBudgetRequest{SubjectID: "s1", TotalEpsilon: 1.0})
	assert.True(t, errors.IsValidation(err), "total below consumed must be rejected")

	_, err = svc.SetBudget(ctx, SetBudgetRequest{SubjectID: "s1", TotalEpsilon: 0})
	assert.True(t, errors.IsValidation(err))
}

func TestService_HistoryAndForget(t *testing.T) {
	svc := newTestService(t, budget.NewMemoryStore(), testutil.NewFakeClock(epoch))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.CheckAndConsume(ctx, query("s1", budget.QueryRaw, access.SensitivityMedium, 1))
		require.NoError(t, err)
	}

	history, err := svc.History(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.False(t, history[0].Allowed, "newest entry first")
	assert.True(t, history[2].Allowed)

	affected, err := svc.Forget(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, affected)

	_, err = svc.Status(ctx, "s1")
	assert.True(t, errors.IsNotFound(err))
	history, err = svc.History(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestNewService_RejectsBadDefaults(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, err := NewService(logger, budget.NewMemoryStore(), nil, nil, nil, Defaults{Window: time.Hour, CostModel: budget.DefaultCostModel()})
	assert.Error(t, err)
	_, err = NewService(logger, budget.NewMemoryStore(), nil, nil, nil, Defaults{TotalEpsilon: 1, CostModel: budget.DefaultCostModel()})
	assert.Error(t, err)
	_, err = NewService(logger, budget.NewMemoryStore(), nil, nil, nil, Defaults{TotalEpsilon: 1, Window: time.Hour})
	assert.Error(t, err)
}
