package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/clock"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/access"
	auditdomain "github.com/davidleathers/privacy-decision-gateway/internal/domain/audit"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/budget"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/compliance"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/masking"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/policy"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/risk"
	"github.com/davidleathers/privacy-decision-gateway/internal/metrics"
	"github.com/davidleathers/privacy-decision-gateway/internal/service/audit"
	budgetsvc "github.com/davidleathers/privacy-decision-gateway/internal/service/budget"
	"github.com/davidleathers/privacy-decision-gateway/internal/service/consent"
)

// DefaultRiskThreshold denies requests scoring strictly above it.
const DefaultRiskThreshold = 0.7

const allowReason = "all checks passed: policy, consent, risk"

// BlockChecker answers whether a subject has been erased.
type BlockChecker interface {
	IsBlocked(ctx context.Context, subjectID string) (bool, error)
}

// ConsentChecker answers consent questions.
type ConsentChecker interface {
	HasConsent(ctx context.Context, subjectID string, purpose access.Purpose) (*consent.Status, error)
}

// BudgetChecker charges a privacy budget.
type BudgetChecker interface {
	CheckAndConsume(ctx context.Context, q budget.Query) (*budgetsvc.CheckResult, error)
}

// Options extend an evaluation with a budget charge and data to mask.
type Options struct {
	Budget     *budget.Query
	Data       map[string]interface{}
	FieldTypes map[string]string
}

// Dependencies are the evaluators the orchestrator composes. Budget,
// Masking, Advisor and Metrics may be nil.
type Dependencies struct {
	Policy    *policy.Engine
	Risk      *risk.Engine
	Consent   ConsentChecker
	BlockList BlockChecker
	Budget    BudgetChecker
	Masking   *masking.Engine
	Advisor   *compliance.Advisor
	Audit     audit.Recorder
	Clock     clock.Clock
	Metrics   *metrics.Registry
}

// Orchestrator evaluates access requests. It keeps no mutable state of its
// own, so concurrent evaluations only contend inside the stores.
type Orchestrator struct {
	logger    *zap.Logger
	deps      Dependencies
	threshold float64
	tracer    trace.Tracer
}

func NewOrchestrator(logger *zap.Logger, deps Dependencies, threshold float64) (*Orchestrator, error) {
	if deps.Policy == nil || deps.Risk == nil || deps.Consent == nil || deps.BlockList == nil || deps.Audit == nil {
		return nil, errors.NewValidationError("INVALID_ORCHESTRATOR", "policy, risk, consent, block list and audit are required")
	}
	if threshold < 0 || threshold > 1 {
		return nil, errors.NewValidationError("INVALID_THRESHOLD", "risk threshold must be within [0,1]")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	return &Orchestrator{
		logger:    logger.Named("decision"),
		deps:      deps,
		threshold: threshold,
		tracer:    otel.Tracer("pdg/decision"),
	}, nil
}

func (o *Orchestrator) Evaluate(ctx context.Context, req access.Request) (*access.Decision, error) {
	return o.EvaluateWithOptions(ctx, req, Options{})
}

// EvaluateWithOptions runs block list, policy, consent, risk and the
// optional budget stage in order, stopping at the first denial. The
// decision is audited before it is returned; when auditing fails no
// decision is returned.
func (o *Orchestrator) EvaluateWithOptions(ctx context.Context, req access.Request, opts Options) (*access.Decision, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "decision.Evaluate", trace.WithAttributes(
		attribute.String("access.role", string(req.Role)),
		attribute.String("access.purpose", string(req.Purpose)),
		attribute.String("access.location", string(req.Jurisdiction)),
	))
	defer span.End()

	subjectID := req.Subject()
	d := &access.Decision{
		ID:          uuid.New(),
		RequesterID: req.RequesterID,
		SubjectID:   subjectID,
		Timestamp:   o.deps.Clock.Now(),
		ConsentStatus: access.ConsentStatus{
			Status:          access.StageNotEvaluated,
			GrantedPurposes: []string{},
		},
	}
	stages := newStageTracker(opts.Budget != nil)

	deciding, err := o.run(ctx, req, subjectID, opts, d, stages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	d.Stages = stages.results()
	if o.deps.Advisor != nil {
		d.Advisory = o.deps.Advisor.Advise(req, d.ConsentStatus.Granted)
	}

	if _, err := o.deps.Audit.Record(ctx, audit.Entry{
		Kind:        auditdomain.KindDecision,
		SubjectID:   subjectID,
		RequesterID: req.RequesterID,
		Outcome:     string(d.Decision),
		Reason:      d.Reason,
		Payload:     auditPayload(d, req),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit append failed")
		o.logger.Error("decision withheld, audit append failed",
			zap.String("decision_id", d.ID.String()),
			zap.Error(err))
		return nil, err
	}

	elapsed := float64(time.Since(start).Microseconds()) / 1000
	o.deps.Metrics.RecordDecision(ctx, elapsed, string(d.Decision), deciding)
	span.SetAttributes(
		attribute.String("decision.outcome", string(d.Decision)),
		attribute.String("decision.stage", deciding),
		attribute.Float64("decision.risk_score", d.RiskScore),
	)
	o.logger.Debug("access evaluated",
		zap.String("decision_id", d.ID.String()),
		zap.String("decision", string(d.Decision)),
		zap.String("stage", deciding),
		zap.Float64("risk_score", d.RiskScore))
	return d, nil
}

// run fills d and returns the name of the stage that decided it.
func (o *Orchestrator) run(
	ctx context.Context,
	req access.Request,
	subjectID string,
	opts Options,
	d *access.Decision,
	stages *stageTracker,
) (string, error) {
	blocked, err := o.deps.BlockList.IsBlocked(ctx, subjectID)
	if err != nil {
		return "", errors.NewExternalError("block_list", "failed to read block list").WithCause(err)
	}
	if blocked {
		stages.fail(access.StageBlockList, "subject is on the erasure block list")
		deny(d, "subject erased")
		return access.StageBlockList, nil
	}
	stages.pass(access.StageBlockList, "")

	pr := o.deps.Policy.Evaluate(req)
	d.PolicyChecks = access.PolicyChecks{
		Evaluated:           true,
		Allowed:             pr.Allowed,
		Reason:              pr.Reason,
		RoleValid:           pr.Checks.RoleValid,
		PurposeAllowed:      pr.Checks.PurposeAllowed,
		JurisdictionAllowed: pr.Checks.JurisdictionAllowed,
		SensitivityAllowed:  pr.Checks.SensitivityAllowed,
	}
	if !pr.Allowed {
		stages.fail(access.StagePolicy, pr.Reason)
		if strings.HasPrefix(pr.Reason, "unknown value") {
			deny(d, pr.Reason)
		} else {
			deny(d, "policy denied: "+pr.Reason)
		}
		return access.StagePolicy, nil
	}
	stages.pass(access.StagePolicy, pr.Reason)

	cs, err := o.deps.Consent.HasConsent(ctx, subjectID, req.Purpose)
	if err != nil {
		return "", err
	}
	d.ConsentStatus = access.ConsentStatus{
		Status:          access.StagePassed,
		Granted:         cs.Granted,
		Reason:          cs.Reason,
		GrantedPurposes: cs.GrantedPurposes,
	}
	if !cs.Granted {
		d.ConsentStatus.Status = access.StageFailed
		stages.fail(access.StageConsent, cs.Reason)
		deny(d, "no consent for purpose")
		return access.StageConsent, nil
	}
	stages.pass(access.StageConsent, cs.Reason)

	assessment := o.deps.Risk.Score(req)
	d.RiskScore = assessment.Score
	if assessment.Score > o.threshold {
		detail := fmt.Sprintf("risk score %.4g exceeds threshold %.4g", assessment.Score, o.threshold)
		stages.fail(access.StageRisk, detail)
		deny(d, detail)
		return access.StageRisk, nil
	}
	stages.pass(access.StageRisk, fmt.Sprintf("risk score %.4g (%s)", assessment.Score, assessment.Level))

	if opts.Budget != nil {
		if o.deps.Budget == nil {
			return "", errors.NewValidationError("BUDGET_UNAVAILABLE", "privacy budget ledger is not configured")
		}
		res, err := o.deps.Budget.CheckAndConsume(ctx, o.budgetQuery(req, subjectID, *opts.Budget))
		if err != nil {
			return "", err
		}
		d.Budget = &access.BudgetOutcome{
			Allowed:         res.Allowed,
			Reason:          res.Reason,
			AlertLevel:      string(res.AlertLevel),
			QueryCost:       res.QueryCost,
			BudgetRemaining: res.BudgetRemaining,
			BudgetTotal:     res.BudgetTotal,
			WindowResetsAt:  res.WindowResetsAt,
		}
		if !res.Allowed {
			stages.fail(access.StageBudget, res.Reason)
			deny(d, res.Reason)
			return access.StageBudget, nil
		}
		stages.pass(access.StageBudget, res.Reason)
	}

	d.Decision = access.Allow
	d.Reason = allowReason
	if opts.Data != nil && o.deps.Masking != nil {
		d.Masking = o.mask(ctx, opts.Data, opts.FieldTypes, d.RiskScore)
	}
	if opts.Budget != nil {
		return access.StageBudget, nil
	}
	return access.StageRisk, nil
}

// budgetQuery fills unset query fields from the access request.
func (o *Orchestrator) budgetQuery(req access.Request, subjectID string, q budget.Query) budget.Query {
	if q.SubjectID == "" {
		q.SubjectID = subjectID
	}
	if q.RequesterID == "" {
		q.RequesterID = req.RequesterID
	}
	if q.Purpose == "" {
		q.Purpose = req.Purpose
	}
	if q.Sensitivity == "" {
		q.Sensitivity = req.DataSensitivity
	}
	return q
}

func (o *Orchestrator) mask(ctx context.Context, data map[string]interface{}, fieldTypes map[string]string, score float64) *access.MaskingOutcome {
	res := o.deps.Masking.Mask(data, fieldTypes, score)
	out := &access.MaskingOutcome{
		Level:   string(res.Level),
		Data:    res.Data,
		Details: make(map[string]access.FieldMask, len(res.Details)),
	}
	for field, detail := range res.Details {
		out.Details[field] = access.FieldMask{
			FieldType:         detail.FieldType,
			Strategy:          string(detail.Strategy),
			OriginalPreserved: detail.OriginalPreserved,
		}
		o.deps.Metrics.RecordMaskedField(ctx, string(res.Level), string(detail.Strategy))
	}
	return out
}

func deny(d *access.Decision, reason string) {
	d.Decision = access.Deny
	d.Reason = reason
}

// auditPayload is the decision without masked values, which must not leak
// into the audit log.
func auditPayload(d *access.Decision, req access.Request) map[string]interface{} {
	p := map[string]interface{}{
		"decision_id":    d.ID,
		"decision":       d.Decision,
		"role":           req.Role,
		"purpose":        req.Purpose,
		"location":       req.Jurisdiction,
		"sensitivity":    req.DataSensitivity,
		"risk_score":     d.RiskScore,
		"policy_checks":  d.PolicyChecks,
		"consent_status": d.ConsentStatus,
		"stages":         d.Stages,
	}
	if d.Budget != nil {
		p["budget"] = d.Budget
	}
	if d.Masking != nil {
		p["masking_level"] = d.Masking.Level
	}
	return p
}
