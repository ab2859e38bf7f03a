package decision

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/access"
	auditdomain "github.com/davidleathers/privacy-decision-gateway/internal/domain/audit"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/budget"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/compliance"
	consentdomain "github.com/davidleathers/privacy-decision-gateway/internal/domain/consent"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/masking"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/policy"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/risk"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/rtbf"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/token"
	"github.com/davidleathers/privacy-decision-gateway/internal/infrastructure/auth"
	"github.com/davidleathers/privacy-decision-gateway/internal/service/audit"
	budgetsvc "github.com/davidleathers/privacy-decision-gateway/internal/service/budget"
	"github.com/davidleathers/privacy-decision-gateway/internal/service/consent"
	rtbfsvc "github.com/davidleathers/privacy-decision-gateway/internal/service/rtbf"
	tokensvc "github.com/davidleathers/privacy-decision-gateway/internal/service/token"
	"github.com/davidleathers/privacy-decision-gateway/internal/testutil"
)

type gatewayFixture struct {
	gateway *Gateway
	consent consent.Service
	clock   *testutil.FakeClock
}

func newGatewayFixture(t *testing.T) gatewayFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clk := testutil.NewFakeClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	rec := audit.NewLogger(auditdomain.NewMemoryLog(), logger, clk, nil)

	consentSvc := consent.NewService(logger, consentdomain.NewMemoryStore(), rec, clk)
	budgetSvc, err := budgetsvc.NewService(logger, budget.NewMemoryStore(), nil, clk, nil, budgetsvc.Defaults{
		TotalEpsilon: 1.0,
		Window:       24 * time.Hour,
		CostModel:    budget.DefaultCostModel(),
	})
	require.NoError(t, err)

	signer, err := auth.NewSigner("gateway-test-secret-000")
	require.NoError(t, err)
	vault := tokensvc.NewVault(logger, token.NewMemoryStore(), signer, rec, clk, nil)

	var purgers []rtbf.Purger
	for _, layer := range rtbf.AllLayers() {
		purgers = append(purgers, rtbf.PurgeFunc{L: layer, F: func(context.Context, string) (rtbf.PurgeResult, error) {
			return rtbf.PurgeResult{RecordsAffected: 1}, nil
		}})
	}
	blocks := rtbf.NewMemoryBlockList()
	erasure, err := rtbfsvc.NewService(logger, rtbfsvc.Dependencies{
		BlockList: blocks,
		Requests:  rtbf.NewMemoryRequestStore(),
		Consent:   consentSvc,
		Purgers:   purgers,
		Audit:     rec,
		Clock:     clk,
	}, rtbfsvc.Config{})
	require.NoError(t, err)

	riskEngine, err := risk.NewEngine(risk.DefaultWeights())
	require.NoError(t, err)
	masker := masking.NewEngine(clk, rand.New(rand.NewPCG(7, 7)))
	orchestrator, err := NewOrchestrator(logger, Dependencies{
		Policy:    policy.NewEngine(nil),
		Risk:      riskEngine,
		Consent:   consentSvc,
		BlockList: erasure,
		Budget:    budgetSvc,
		Masking:   masker,
		Advisor:   compliance.NewAdvisor(),
		Audit:     rec,
		Clock:     clk,
	}, DefaultRiskThreshold)
	require.NoError(t, err)

	return gatewayFixture{
		gateway: NewGateway(orchestrator, budgetSvc, vault, masker, erasure, nil),
		consent: consentSvc,
		clock:   clk,
	}
}

func TestGateway_ConsentThenErasure(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	_, err := f.consent.Grant(ctx, "user-42", access.PurposeAnalytics)
	require.NoError(t, err)

	d, err := f.gateway.EvaluateAccess(ctx, analystRequest(), Options{})
	require.NoError(t, err)
	assert.Equal(t, access.Allow, d.Decision)
	assert.InDelta(t, 0.38, d.RiskScore, 1e-9)

	req, err := f.gateway.TriggerRTBF(ctx, rtbfsvc.TriggerRequest{SubjectID: "user-42", RequestedBy: "dpo"})
	require.NoError(t, err)
	assert.Equal(t, rtbf.StatusCompleted, req.Status)

	blocked, err := f.gateway.CheckBlocked(ctx, "user-42")
	require.NoError(t, err)
	assert.True(t, blocked)

	cert, err := f.gateway.GetCertificate(ctx, "user-42")
	require.NoError(t, err)
	assert.NotEmpty(t, cert.CertificateHash)

	d, err = f.gateway.EvaluateAccess(ctx, analystRequest(), Options{})
	require.NoError(t, err)
	assert.Equal(t, access.Deny, d.Decision)
	assert.Equal(t, "subject erased", d.Reason)

	rec, err := f.consent.Get(ctx, "user-42")
	require.NoError(t, err)
	assert.Empty(t, rec.PurposeStrings())
}

func TestGateway_BudgetRoundTrip(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	res, err := f.gateway.CheckBudget(ctx, budget.Query{
		SubjectID:   "user-1",
		QueryType:   budget.QueryAggregate,
		Sensitivity: access.SensitivityLow,
		NumRecords:  1,
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	view, err := f.gateway.BudgetStatus(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, view.QueryCount)
}

func TestGateway_TokenLifecycle(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	issued, err := f.gateway.GenerateToken(ctx, token.Spec{
		TaskID:        "task-9",
		TaskType:      token.TaskTraining,
		RequesterID:   "model-1",
		MaxTTLSeconds: 60,
		MaxUses:       2,
	})
	require.NoError(t, err)

	c, err := f.gateway.ValidateToken(ctx, "", issued.Bearer)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsesRemaining)

	c, err = f.gateway.ValidateToken(ctx, issued.ID, "")
	require.NoError(t, err)
	assert.True(t, c.Destroyed)

	_, err = f.gateway.ValidateToken(ctx, issued.ID, "")
	assert.True(t, errors.IsNotFound(err))

	_, err = f.gateway.ValidateToken(ctx, "", "")
	assert.True(t, errors.IsValidation(err))

	n, err := f.gateway.CompleteTask(ctx, "task-9")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGateway_ApplyMasking(t *testing.T) {
	f := newGatewayFixture(t)

	res := f.gateway.ApplyMasking(context.Background(),
		map[string]interface{}{"ssn": "123-45-6789"},
		map[string]string{"ssn": "ssn"},
		0.95)
	assert.Equal(t, masking.LevelFull, res.Level)
	assert.Equal(t, masking.Redacted, res.Data["ssn"])
}
