package rtbf

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/clock"
	auditdomain "github.com/davidleathers/privacy-decision-gateway/internal/domain/audit"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/rtbf"
	"github.com/davidleathers/privacy-decision-gateway/internal/keylock"
	"github.com/davidleathers/privacy-decision-gateway/internal/metrics"
	"github.com/davidleathers/privacy-decision-gateway/internal/service/audit"
)

// DefaultReason is used when a trigger names none.
const DefaultReason = "consent_withdrawal"

// ConsentClearer removes a subject's consent record.
type ConsentClearer interface {
	Clear(ctx context.Context, subjectID string) (bool, error)
}

// CertificateArchiver stores issued certificates outside the gateway.
type CertificateArchiver interface {
	Archive(ctx context.Context, cert *rtbf.Certificate) error
}

// TriggerRequest starts an erasure.
type TriggerRequest struct {
	SubjectID   string   `json:"subject_id"`
	RequestedBy string   `json:"requested_by,omitempty"`
	Reason      string   `json:"reason"`
	Scope       []string `json:"scope"`
}

// Config tunes the orchestrator.
type Config struct {
	LayerTimeout        time.Duration
	ComplianceStandards []string
	Breaker             CircuitBreakerConfig
}

// Dependencies are the collaborators of the orchestrator. Archiver, Audit
// and Metrics may be nil.
type Dependencies struct {
	BlockList rtbf.BlockList
	Requests  rtbf.RequestStore
	Consent   ConsentClearer
	Purgers   []rtbf.Purger
	Audit     audit.Recorder
	Archiver  CertificateArchiver
	Clock     clock.Clock
	Metrics   *metrics.Registry
}

// Service runs right-to-be-forgotten erasures.
type Service interface {
	Trigger(ctx context.Context, req TriggerRequest) (*rtbf.Request, error)
	IsBlocked(ctx context.Context, subjectID string) (bool, error)
	GetCertificate(ctx context.Context, subjectID string) (*rtbf.Certificate, error)
	VerifyCertificate(ctx context.Context, cert *rtbf.Certificate) (bool, error)
	GetRequest(ctx context.Context, requestID string) (*rtbf.Request, error)
	ListRequests(ctx context.Context, status rtbf.Status) ([]rtbf.Request, error)
	RegisteredLayers() []rtbf.Layer
	BreakerStates() map[string]CircuitState
}

var _ Service = (*service)(nil)

type service struct {
	logger   *zap.Logger
	deps     Dependencies
	config   Config
	purgers  map[rtbf.Layer]rtbf.Purger
	breakers *breakerSet
	locks    *keylock.Locker
	tracer   trace.Tracer
}

// NewService wires the orchestrator. Registering two purgers for one layer
// is a configuration error.
func NewService(logger *zap.Logger, deps Dependencies, config Config) (Service, error) {
	if deps.BlockList == nil || deps.Requests == nil || deps.Consent == nil {
		return nil, errors.NewValidationError("INVALID_RTBF_CONFIG", "block list, request store and consent registry are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if config.LayerTimeout <= 0 {
		config.LayerTimeout = 30 * time.Second
	}
	if len(config.ComplianceStandards) == 0 {
		config.ComplianceStandards = rtbf.DefaultComplianceStandards
	}

	purgers := make(map[rtbf.Layer]rtbf.Purger, len(deps.Purgers))
	for _, p := range deps.Purgers {
		if !p.Layer().IsValid() {
			return nil, errors.NewValidationError("INVALID_RTBF_CONFIG", fmt.Sprintf("unknown layer %q", p.Layer()))
		}
		if _, dup := purgers[p.Layer()]; dup {
			return nil, errors.NewValidationError("INVALID_RTBF_CONFIG", fmt.Sprintf("layer %s registered twice", p.Layer()))
		}
		purgers[p.Layer()] = p
	}

	return &service{
		logger:   logger.Named("rtbf"),
		deps:     deps,
		config:   config,
		purgers:  purgers,
		breakers: newBreakerSet(config.Breaker, deps.Clock),
		locks:    keylock.New(),
		tracer:   otel.Tracer("pdg/rtbf"),
	}, nil
}

func (s *service) Trigger(ctx context.Context, in TriggerRequest) (*rtbf.Request, error) {
	subjectID := strings.TrimSpace(in.SubjectID)
	if subjectID == "" {
		return nil, errors.NewValidationError("MISSING_SUBJECT", "subject_id is required")
	}
	layers, err := rtbf.ParseScope(in.Scope)
	if err != nil {
		return nil, err
	}
	reason := in.Reason
	if reason == "" {
		reason = DefaultReason
	}
	scope := in.Scope
	if len(scope) == 0 {
		scope = []string{rtbf.ScopeAll}
	}

	ctx, span := s.tracer.Start(ctx, "rtbf.Trigger", trace.WithAttributes(
		attribute.String("rtbf.reason", reason),
		attribute.Int("rtbf.layers", len(layers)),
	))
	defer span.End()

	unlock := s.locks.Lock(subjectID)
	defer unlock()

	now := s.deps.Clock.Now()
	req := &rtbf.Request{
		ID:          rtbf.NewRequestID(subjectID, now),
		SubjectID:   subjectID,
		RequestedBy: in.RequestedBy,
		Reason:      reason,
		Scope:       scope,
		Status:      rtbf.StatusPending,
		LayerStatus: make(map[string]rtbf.StepResult),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	span.SetAttributes(attribute.String("rtbf.request_id", req.ID))
	logger := s.logger.With(zap.String("request_id", req.ID), zap.String("subject_id", subjectID))

	if err := s.save(ctx, req); err != nil {
		return nil, err
	}

	// The block must be durable before any purge starts.
	added, err := s.deps.BlockList.Block(ctx, subjectID, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "block list write failed")
		logger.Error("failed to block subject, erasure aborted", zap.Error(err))
		req.Status = rtbf.StatusFailed
		req.UpdatedAt = s.deps.Clock.Now()
		if saveErr := s.save(ctx, req); saveErr != nil {
			logger.Error("failed to store aborted erasure", zap.Error(saveErr))
		}
		s.deps.Metrics.RecordRTBFRequest(ctx, string(rtbf.StatusFailed))
		return nil, errors.NewExternalError("block_list", "failed to block subject").WithCause(err)
	}
	req.AccessBlocked = true
	if added {
		s.deps.Metrics.IncrementBlockedSubjects()
	}

	req.LayerStatus[rtbf.StepConsentRegistry] = s.clearConsent(ctx, subjectID)

	req.Status = rtbf.StatusInProgress
	req.UpdatedAt = s.deps.Clock.Now()
	if err := s.save(ctx, req); err != nil {
		return nil, err
	}

	for layer, result := range s.purgeAll(rtbf.WithRequestID(ctx, req.ID), req.ID, subjectID, layers) {
		req.LayerStatus[string(layer)] = result
	}

	finished := s.deps.Clock.Now()
	req.Status = rtbf.DetermineStatus(req.LayerStatus)
	req.UpdatedAt = finished
	if req.Status == rtbf.StatusCompleted {
		cert, err := rtbf.IssueCertificate(req, finished, s.config.ComplianceStandards)
		if err != nil {
			return nil, err
		}
		req.Certificate = cert
	}
	if err := s.save(ctx, req); err != nil {
		return nil, err
	}

	if req.Certificate != nil && s.deps.Archiver != nil {
		if err := s.deps.Archiver.Archive(ctx, req.Certificate); err != nil {
			logger.Warn("failed to archive deletion certificate", zap.Error(err))
		}
	}

	s.deps.Metrics.RecordRTBFRequest(ctx, string(req.Status))
	span.SetAttributes(attribute.String("rtbf.status", string(req.Status)))
	s.audit(ctx, logger, audit.Entry{
		Kind:        auditdomain.KindRTBFRequest,
		SubjectID:   subjectID,
		RequesterID: req.RequestedBy,
		Outcome:     string(req.Status),
		Reason:      req.Reason,
		Payload:     req,
	})

	logger.Info("erasure finished",
		zap.String("status", string(req.Status)),
		zap.Int("steps", len(req.LayerStatus)),
		zap.Bool("certified", req.Certificate != nil))
	return req, nil
}

func (s *service) clearConsent(ctx context.Context, subjectID string) rtbf.StepResult {
	existed, err := s.deps.Consent.Clear(ctx, subjectID)
	res := rtbf.StepResult{Status: rtbf.StepCompleted, Timestamp: s.deps.Clock.Now()}
	if err != nil {
		res.Status = rtbf.StepFailed
		res.Error = err.Error()
		return res
	}
	if existed {
		res.RecordsAffected = 1
	}
	return res
}

type layerOutcome struct {
	layer  rtbf.Layer
	result rtbf.StepResult
}

// purgeAll runs every layer independently; one layer's failure never stops
// another.
func (s *service) purgeAll(ctx context.Context, requestID, subjectID string, layers []rtbf.Layer) map[rtbf.Layer]rtbf.StepResult {
	out := make(chan layerOutcome, len(layers))
	var wg sync.WaitGroup
	for _, layer := range layers {
		wg.Add(1)
		go func(layer rtbf.Layer) {
			defer wg.Done()
			out <- layerOutcome{layer: layer, result: s.purgeLayer(ctx, requestID, subjectID, layer)}
		}(layer)
	}
	wg.Wait()
	close(out)

	results := make(map[rtbf.Layer]rtbf.StepResult, len(layers))
	for o := range out {
		results[o.layer] = o.result
	}
	return results
}

type purgeOutcome struct {
	res rtbf.PurgeResult
	err error
}

func (s *service) purgeLayer(ctx context.Context, requestID, subjectID string, layer rtbf.Layer) rtbf.StepResult {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "rtbf.purge", trace.WithAttributes(attribute.String("rtbf.layer", string(layer))))
	defer span.End()

	var (
		res rtbf.PurgeResult
		err error
	)
	purger, ok := s.purgers[layer]
	cb := s.breakers.get(string(layer))
	switch {
	case !ok:
		err = fmt.Errorf("no purge backend registered for layer %s", layer)
	case !cb.allow():
		err = ErrCircuitOpen
	default:
		res, err = s.runPurge(ctx, purger, subjectID)
		cb.record(err)
	}

	result := rtbf.StepResult{
		Status:          rtbf.StepCompleted,
		RecordsAffected: res.RecordsAffected,
		Details:         res.Details,
		Timestamp:       s.deps.Clock.Now(),
	}
	if err != nil {
		result.Status = rtbf.StepFailed
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	s.deps.Metrics.RecordRTBFLayer(ctx, string(layer), string(result.Status), float64(time.Since(start).Microseconds())/1000)
	logger := s.logger.With(zap.String("request_id", requestID), zap.String("layer", string(layer)))
	if err != nil {
		logger.Warn("layer purge failed", zap.Error(err))
	} else {
		logger.Debug("layer purged", zap.Int("records_affected", result.RecordsAffected))
	}
	s.audit(ctx, logger, audit.Entry{
		Kind:      auditdomain.KindRTBFLayer,
		SubjectID: subjectID,
		Outcome:   string(result.Status),
		Reason:    result.Error,
		Payload: map[string]interface{}{
			"request_id":       requestID,
			"layer":            layer,
			"records_affected": result.RecordsAffected,
		},
	})
	return result
}

// runPurge bounds a purge by the layer timeout and turns panics into
// failures.
func (s *service) runPurge(ctx context.Context, p rtbf.Purger, subjectID string) (rtbf.PurgeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.LayerTimeout)
	defer cancel()

	done := make(chan purgeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- purgeOutcome{err: fmt.Errorf("purge panicked: %v", r)}
			}
		}()
		res, err := p.Purge(ctx, subjectID)
		done <- purgeOutcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return rtbf.PurgeResult{}, fmt.Errorf("layer purge timed out after %s: %w", s.config.LayerTimeout, ctx.Err())
	}
}

func (s *service) audit(ctx context.Context, logger *zap.Logger, e audit.Entry) {
	if s.deps.Audit == nil {
		return
	}
	if _, err := s.deps.Audit.Record(ctx, e); err != nil {
		logger.Error("failed to audit erasure event", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

func (s *service) save(ctx context.Context, req *rtbf.Request) error {
	if err := s.deps.Requests.Save(ctx, req); err != nil {
		return errors.NewInternalError("failed to store rtbf request").WithCause(err)
	}
	return nil
}

func (s *service) IsBlocked(ctx context.Context, subjectID string) (bool, error) {
	blocked, err := s.deps.BlockList.IsBlocked(ctx, subjectID)
	if err != nil {
		return false, errors.NewExternalError("block_list", "failed to read block list").WithCause(err)
	}
	return blocked, nil
}

// GetCertificate returns the certificate of the subject's latest completed
// erasure.
func (s *service) GetCertificate(ctx context.Context, subjectID string) (*rtbf.Certificate, error) {
	req, err := s.deps.Requests.LatestCompleted(ctx, subjectID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFoundError("deletion certificate")
		}
		return nil, errors.NewInternalError("failed to load rtbf requests").WithCause(err)
	}
	return req.Certificate, nil
}

func (s *service) VerifyCertificate(ctx context.Context, cert *rtbf.Certificate) (bool, error) {
	if cert == nil {
		return false, errors.NewValidationError("MISSING_CERTIFICATE", "certificate is required")
	}
	req, err := s.GetRequest(ctx, cert.RequestID)
	if err != nil {
		return false, err
	}
	return rtbf.VerifyCertificate(cert, req), nil
}

func (s *service) GetRequest(ctx context.Context, requestID string) (*rtbf.Request, error) {
	req, err := s.deps.Requests.Get(ctx, requestID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.NewInternalError("failed to load rtbf request").WithCause(err)
	}
	return req, nil
}

func (s *service) ListRequests(ctx context.Context, status rtbf.Status) ([]rtbf.Request, error) {
	if status != "" && !status.IsValid() {
		return nil, errors.NewValidationError("INVALID_STATUS", fmt.Sprintf("unknown status %q", status))
	}
	reqs, err := s.deps.Requests.List(ctx, status)
	if err != nil {
		return nil, errors.NewInternalError("failed to list rtbf requests").WithCause(err)
	}
	return reqs, nil
}

// RegisteredLayers lists layers that have a purge backend.
func (s *service) RegisteredLayers() []rtbf.Layer {
	out := make([]rtbf.Layer, 0, len(s.purgers))
	for _, l := range rtbf.AllLayers() {
		if _, ok := s.purgers[l]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (s *service) BreakerStates() map[string]CircuitState {
	return s.breakers.states()
}
