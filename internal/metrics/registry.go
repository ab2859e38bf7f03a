package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the gateway's domain metrics. A nil *Registry is valid and
// records nothing, so components can run without telemetry in tests.
type Registry struct {
	meter metric.Meter

	// Decision metrics
	DecisionDuration metric.Float64Histogram
	DecisionCounter  metric.Int64Counter
	AuditFailures    metric.Int64Counter

	// Budget metrics
	BudgetChecks   metric.Int64Counter
	EpsilonSpent   metric.Float64Counter
	BudgetDenials  metric.Int64Counter
	InvariantFault metric.Int64Counter

	// Token metrics
	TokenEvents  metric.Int64Counter
	ActiveTokens metric.Int64ObservableGauge

	// RTBF metrics
	RTBFRequests      metric.Int64Counter
	RTBFLayerDuration metric.Float64Histogram
	BlockedSubjects   metric.Int64ObservableGauge

	// Masking metrics
	MaskedFields metric.Int64Counter

	mu              sync.RWMutex
	activeTokens    int64
	blockedSubjects int64
}

// NewRegistry creates every instrument on the named meter.
func NewRegistry(meterName string) (*Registry, error) {
	r := &Registry{meter: otel.Meter(meterName)}

	for _, init := range []func() error{
		r.initDecisionMetrics,
		r.initBudgetMetrics,
		r.initTokenMetrics,
		r.initRTBFMetrics,
	} {
		if err := init(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) initDecisionMetrics() error {
	var err error

	r.DecisionDuration, err = r.meter.Float64Histogram(
		"pdg.decision.duration",
		metric.WithDescription("Time to evaluate an access request in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.5, 1, 2, 5, 10, 25, 50, 100),
	)
	if err != nil {
		return err
	}

	r.DecisionCounter, err = r.meter.Int64Counter(
		"pdg.decision.total",
		metric.WithDescription("Access decisions by outcome and deciding stage"),
	)
	if err != nil {
		return err
	}

	r.AuditFailures, err = r.meter.Int64Counter(
		"pdg.audit.append_failures_total",
		metric.WithDescription("Audit appends that failed"),
	)
	return err
}

func (r *Registry) initBudgetMetrics() error {
	var err error

	r.BudgetChecks, err = r.meter.Int64Counter(
		"pdg.budget.checks_total",
		metric.WithDescription("Privacy budget checks by outcome and alert level"),
	)
	if err != nil {
		return err
	}

	r.EpsilonSpent, err = r.meter.Float64Counter(
		"pdg.budget.epsilon_spent",
		metric.WithDescription("Total epsilon committed across subjects"),
	)
	if err != nil {
		return err
	}

	r.BudgetDenials, err = r.meter.Int64Counter(
		"pdg.budget.denials_total",
		metric.WithDescription("Queries rejected for insufficient budget"),
	)
	if err != nil {
		return err
	}

	r.InvariantFault, err = r.meter.Int64Counter(
		"pdg.budget.invariant_violations_total",
		metric.WithDescription("Accounts found with consumed outside [0, total]"),
	)
	return err
}

func (r *Registry) initTokenMetrics() error {
	var err error

	r.TokenEvents, err = r.meter.Int64Counter(
		"pdg.token.events_total",
		metric.WithDescription("Task token lifecycle events"),
	)
	if err != nil {
		return err
	}

	r.ActiveTokens, err = r.meter.Int64ObservableGauge(
		"pdg.token.active",
		metric.WithDescription("Tokens issued and not yet destroyed by this instance"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.activeTokens)
			return nil
		}),
	)
	return err
}

func (r *Registry) initRTBFMetrics() error {
	var err error

	r.RTBFRequests, err = r.meter.Int64Counter(
		"pdg.rtbf.requests_total",
		metric.WithDescription("Erasure requests by terminal status"),
	)
	if err != nil {
		return err
	}

	r.RTBFLayerDuration, err = r.meter.Float64Histogram(
		"pdg.rtbf.layer_duration",
		metric.WithDescription("Per-layer purge duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 50, 100, 500, 1000, 5000, 30000),
	)
	if err != nil {
		return err
	}

	r.BlockedSubjects, err = r.meter.Int64ObservableGauge(
		"pdg.rtbf.blocked_subjects",
		metric.WithDescription("Subjects added to the access block list by this instance"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.blockedSubjects)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.MaskedFields, err = r.meter.Int64Counter(
		"pdg.masking.fields_total",
		metric.WithDescription("Fields processed by the masking engine by level and strategy"),
	)
	return err
}

// RecordDecision counts one decision and its latency.
func (r *Registry) RecordDecision(ctx context.Context, durationMS float64, outcome, stage string) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("stage", stage),
	)
	r.DecisionDuration.Record(ctx, durationMS, attrs)
	r.DecisionCounter.Add(ctx, 1, attrs)
}

func (r *Registry) RecordAuditFailure(ctx context.Context, kind string) {
	if r == nil {
		return
	}
	r.AuditFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordBudgetCheck counts a priced query. Spent epsilon only grows for
// allowed queries.
func (r *Registry) RecordBudgetCheck(ctx context.Context, allowed bool, alertLevel string, cost float64) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Bool("allowed", allowed),
		attribute.String("alert_level", alertLevel),
	)
	r.BudgetChecks.Add(ctx, 1, attrs)
	if allowed {
		r.EpsilonSpent.Add(ctx, cost)
	} else {
		r.BudgetDenials.Add(ctx, 1)
	}
}

func (r *Registry) RecordInvariantViolation(ctx context.Context, component string) {
	if r == nil {
		return
	}
	r.InvariantFault.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}

// RecordTokenEvent counts a token lifecycle event and adjusts the active
// gauge by delta.
func (r *Registry) RecordTokenEvent(ctx context.Context, event string, delta int64) {
	if r == nil {
		return
	}
	r.TokenEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	if delta != 0 {
		r.mu.Lock()
		r.activeTokens += delta
		if r.activeTokens < 0 {
			r.activeTokens = 0
		}
		r.mu.Unlock()
	}
}

func (r *Registry) RecordRTBFRequest(ctx context.Context, status string) {
	if r == nil {
		return
	}
	r.RTBFRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (r *Registry) RecordRTBFLayer(ctx context.Context, layer, status string, durationMS float64) {
	if r == nil {
		return
	}
	r.RTBFLayerDuration.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("layer", layer),
		attribute.String("status", status),
	))
}

func (r *Registry) IncrementBlockedSubjects() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.blockedSubjects++
	r.mu.Unlock()
}

func (r *Registry) RecordMaskedField(ctx context.Context, level, strategy string) {
	if r == nil {
		return
	}
	r.MaskedFields.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", level),
		attribute.String("strategy", strategy),
	))
}
