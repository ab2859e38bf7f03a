package decision

import (
	"context"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/access"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/budget"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/masking"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/rtbf"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/token"
	"github.com/davidleathers/privacy-decision-gateway/internal/metrics"
	budgetsvc "github.com/davidleathers/privacy-decision-gateway/internal/service/budget"
	rtbfsvc "github.com/davidleathers/privacy-decision-gateway/internal/service/rtbf"
	tokensvc "github.com/davidleathers/privacy-decision-gateway/internal/service/token"
)

// Gateway is the function-level surface of the gateway. Transports call
// it instead of reaching into individual services.
type Gateway struct {
	decisions *Orchestrator
	budget    budgetsvc.Service
	tokens    tokensvc.Vault
	masking   *masking.Engine
	rtbf      rtbfsvc.Service
	metrics   *metrics.Registry
}

func NewGateway(
	decisions *Orchestrator,
	budget budgetsvc.Service,
	tokens tokensvc.Vault,
	masker *masking.Engine,
	erasure rtbfsvc.Service,
	registry *metrics.Registry,
) *Gateway {
	return &Gateway{
		decisions: decisions,
		budget:    budget,
		tokens:    tokens,
		masking:   masker,
		rtbf:      erasure,
		metrics:   registry,
	}
}

func (g *Gateway) EvaluateAccess(ctx context.Context, req access.Request, opts Options) (*access.Decision, error) {
	return g.decisions.EvaluateWithOptions(ctx, req, opts)
}

func (g *Gateway) CheckBudget(ctx context.Context, q budget.Query) (*budgetsvc.CheckResult, error) {
	return g.budget.CheckAndConsume(ctx, q)
}

func (g *Gateway) BudgetStatus(ctx context.Context, subjectID string) (*budget.View, error) {
	return g.budget.Status(ctx, subjectID)
}

func (g *Gateway) GenerateToken(ctx context.Context, spec token.Spec) (*tokensvc.Issued, error) {
	return g.tokens.Generate(ctx, spec)
}

// ValidateToken consumes one use. A bearer takes precedence over a raw id.
func (g *Gateway) ValidateToken(ctx context.Context, tokenID, bearer string) (*token.Consumption, error) {
	if bearer != "" {
		return g.tokens.ValidateBearer(ctx, bearer)
	}
	if tokenID == "" {
		return nil, errors.NewValidationError("MISSING_TOKEN", "token_id or bearer is required")
	}
	return g.tokens.ValidateAndConsume(ctx, tokenID)
}

func (g *Gateway) CompleteTask(ctx context.Context, taskID string) (int, error) {
	return g.tokens.CompleteTask(ctx, taskID)
}

// ApplyMasking masks data directly, outside of an access decision.
func (g *Gateway) ApplyMasking(ctx context.Context, data map[string]interface{}, fieldTypes map[string]string, riskScore float64) masking.Result {
	res := g.masking.Mask(data, fieldTypes, riskScore)
	for _, d := range res.Details {
		g.metrics.RecordMaskedField(ctx, string(res.Level), string(d.Strategy))
	}
	return res
}

func (g *Gateway) TriggerRTBF(ctx context.Context, req rtbfsvc.TriggerRequest) (*rtbf.Request, error) {
	return g.rtbf.Trigger(ctx, req)
}

func (g *Gateway) CheckBlocked(ctx context.Context, subjectID string) (bool, error) {
	return g.rtbf.IsBlocked(ctx, subjectID)
}

func (g *Gateway) GetCertificate(ctx context.Context, subjectID string) (*rtbf.Certificate, error) {
	return g.rtbf.GetCertificate(ctx, subjectID)
}
