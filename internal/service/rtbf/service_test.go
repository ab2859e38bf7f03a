package rtbf

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/access"
	auditdomain "github.com/davidleathers/privacy-decision-gateway/internal/domain/audit"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/consent"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/rtbf"
	"github.com/davidleathers/privacy-decision-gateway/internal/service/audit"
	consentsvc "github.com/davidleathers/privacy-decision-gateway/internal/service/consent"
	"github.com/davidleathers/privacy-decision-gateway/internal/testutil"
)

type countingPurger struct {
	layer rtbf.Layer
	calls atomic.Int32
	fn    func(ctx context.Context) (rtbf.PurgeResult, error)
}

func (p *countingPurger) Layer() rtbf.Layer { return p.layer }

func (p *countingPurger) Purge(ctx context.Context, _ string) (rtbf.PurgeResult, error) {
	p.calls.Add(1)
	if p.fn != nil {
		return p.fn(ctx)
	}
	return rtbf.PurgeResult{RecordsAffected: 2}, nil
}

type mockBlockList struct {
	mock.Mock
}

func (m *mockBlockList) Block(ctx context.Context, subjectID string, at time.Time) (bool, error) {
	args := m.Called(ctx, subjectID, at)
	return args.Bool(0), args.Error(1)
}

func (m *mockBlockList) IsBlocked(ctx context.Context, subjectID string) (bool, error) {
	args := m.Called(ctx, subjectID)
	return args.Bool(0), args.Error(1)
}

type harness struct {
	svc     Service
	consent consentsvc.Service
	log     *auditdomain.MemoryLog
	clock   *testutil.FakeClock
	purgers map[rtbf.Layer]*countingPurger
	blocks  rtbf.BlockList
}

func newHarness(t *testing.T, override func(*Dependencies, *Config)) *harness {
	t.Helper()
	clk := testutil.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	logger := zaptest.NewLogger(t)
	log := auditdomain.NewMemoryLog()
	rec := audit.NewLogger(log, logger, clk, nil)
	consents := consentsvc.NewService(logger, consent.NewMemoryStore(), rec, clk)

	h := &harness{consent: consents, log: log, clock: clk, purgers: make(map[rtbf.Layer]*countingPurger)}
	deps := Dependencies{
		BlockList: rtbf.NewMemoryBlockList(),
		Requests:  rtbf.NewMemoryRequestStore(),
		Consent:   consents,
		Audit:     rec,
		Clock:     clk,
	}
	for _, l := range rtbf.AllLayers() {
		p := &countingPurger{layer: l}
		h.purgers[l] = p
		deps.Purgers = append(deps.Purgers, p)
	}
	cfg := Config{LayerTimeout: time.Second}
	if override != nil {
		override(&deps, &cfg)
	}
	h.blocks = deps.BlockList

	svc, err := NewService(logger, deps, cfg)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func TestTrigger_CompletedErasure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.consent.Grant(ctx, "user-9", access.PurposeAnalytics)
	require.NoError(t, err)

	req, err := h.svc.Trigger(ctx, TriggerRequest{SubjectID: "user-9", Reason: "legal_request"})
	require.NoError(t, err)

	assert.Equal(t, rtbf.StatusCompleted, req.Status)
	assert.True(t, req.AccessBlocked)
	assert.Equal(t, []string{"all"}, req.Scope)
	assert.Len(t, req.LayerStatus, len(rtbf.AllLayers())+1)
	assert.Equal(t, 1, req.LayerStatus[rtbf.StepConsentRegistry].RecordsAffected)
	require.NotNil(t, req.Certificate)
	assert.Equal(t, []string{"GDPR_Art17", "CCPA", "DPDP"}, req.Certificate.ComplianceStandards)

	blocked, err := h.svc.IsBlocked(ctx, "user-9")
	require.NoError(t, err)
	assert.True(t, blocked)

	st, err := h.consent.HasConsent(ctx, "user-9", access.PurposeAnalytics)
	require.NoError(t, err)
	assert.False(t, st.Granted)

	cert, err := h.svc.GetCertificate(ctx, "user-9")
	require.NoError(t, err)
	assert.Equal(t, req.Certificate.CertificateHash, cert.CertificateHash)

	ok, err := h.svc.VerifyCertificate(ctx, cert)
	require.NoError(t, err)
	assert.True(t, ok)

	events, err := h.log.List(ctx, auditdomain.Filter{Kind: auditdomain.KindRTBFLayer})
	require.NoError(t, err)
	assert.Len(t, events, len(rtbf.AllLayers()))

	terminal, err := h.log.List(ctx, auditdomain.Filter{Kind: auditdomain.KindRTBFRequest})
	require.NoError(t, err)
	require.Len(t, terminal, 1)
	assert.Equal(t, "completed", terminal[0].Outcome)
}

func TestTrigger_PartialWhenALayerFails(t *testing.T) {
	h := newHarness(t, nil)
	h.purgers[rtbf.LayerSearchIndex].fn = func(context.Context) (rtbf.PurgeResult, error) {
		return rtbf.PurgeResult{}, assert.AnError
	}
	ctx := context.Background()

	req, err := h.svc.Trigger(ctx, TriggerRequest{SubjectID: "user-1"})
	require.NoError(t, err)

	assert.Equal(t, rtbf.StatusPartial, req.Status)
	assert.Nil(t, req.Certificate)
	assert.Equal(t, rtbf.StepFailed, req.LayerStatus[string(rtbf.LayerSearchIndex)].Status)
	for _, l := range rtbf.AllLayers() {
		assert.Equal(t, int32(1), h.purgers[l].calls.Load(), "every layer runs independently: %s", l)
	}

	_, err = h.svc.GetCertificate(ctx, "user-1")
	assert.True(t, errors.IsNotFound(err))

	blocked, err := h.svc.IsBlocked(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestTrigger_UnregisteredLayersFail(t *testing.T) {
	h := newHarness(t, func(d *Dependencies, _ *Config) {
		d.Purgers = nil
	})

	req, err := h.svc.Trigger(context.Background(), TriggerRequest{SubjectID: "user-1", Scope: []string{"cache_layer"}})
	require.NoError(t, err)

	assert.Equal(t, rtbf.StepFailed, req.LayerStatus["cache_layer"].Status)
	assert.Equal(t, rtbf.StepCompleted, req.LayerStatus[rtbf.StepConsentRegistry].Status)
	assert.Equal(t, rtbf.StatusPartial, req.Status)
	assert.Empty(t, h.svc.RegisteredLayers())
}

func TestTrigger_TimeoutAndPanicAreFailures(t *testing.T) {
	h := newHarness(t, func(_ *Dependencies, c *Config) {
		c.LayerTimeout = 20 * time.Millisecond
	})
	h.purgers[rtbf.LayerMLModels].fn = func(ctx context.Context) (rtbf.PurgeResult, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return rtbf.PurgeResult{RecordsAffected: 99}, nil
	}
	h.purgers[rtbf.LayerBackups].fn = func(context.Context) (rtbf.PurgeResult, error) {
		panic("disk on fire")
	}

	req, err := h.svc.Trigger(context.Background(), TriggerRequest{SubjectID: "user-1"})
	require.NoError(t, err)

	ml := req.LayerStatus[string(rtbf.LayerMLModels)]
	assert.Equal(t, rtbf.StepFailed, ml.Status)
	assert.Contains(t, ml.Error, "timed out")
	assert.Equal(t, 0, ml.RecordsAffected)

	backups := req.LayerStatus[string(rtbf.LayerBackups)]
	assert.Equal(t, rtbf.StepFailed, backups.Status)
	assert.Contains(t, backups.Error, "disk on fire")
	assert.Equal(t, rtbf.StatusPartial, req.Status)
}

func TestTrigger_BlockFailureAbortsBeforePurge(t *testing.T) {
	blocks := &mockBlockList{}
	blocks.On("Block", mock.Anything, "user-1", mock.Anything).Return(false, assert.AnError)

	h := newHarness(t, func(d *Dependencies, _ *Config) {
		d.BlockList = blocks
	})

	_, err := h.svc.Trigger(context.Background(), TriggerRequest{SubjectID: "user-1"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternal))

	for _, p := range h.purgers {
		assert.Zero(t, p.calls.Load())
	}
	failed, err := h.svc.ListRequests(context.Background(), rtbf.StatusFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
	blocks.AssertExpectations(t)
}

func TestTrigger_Validation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Trigger(ctx, TriggerRequest{SubjectID: " "})
	assert.True(t, errors.IsValidation(err))

	_, err = h.svc.Trigger(ctx, TriggerRequest{SubjectID: "u", Scope: []string{"tape_vault"}})
	assert.True(t, errors.IsValidation(err))

	blocked, err := h.svc.IsBlocked(ctx, "u")
	require.NoError(t, err)
	assert.False(t, blocked, "rejected triggers never touch state")

	_, err = h.svc.ListRequests(ctx, "exploded")
	assert.True(t, errors.IsValidation(err))
}

func TestTrigger_CircuitOpensOnRepeatedFailures(t *testing.T) {
	h := newHarness(t, func(_ *Dependencies, c *Config) {
		c.Breaker = CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}
	})
	h.purgers[rtbf.LayerCache].fn = func(context.Context) (rtbf.PurgeResult, error) {
		return rtbf.PurgeResult{}, assert.AnError
	}
	ctx := context.Background()

	_, err := h.svc.Trigger(ctx, TriggerRequest{SubjectID: "a", Scope: []string{"cache_layer"}})
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	req, err := h.svc.Trigger(ctx, TriggerRequest{SubjectID: "b", Scope: []string{"cache_layer"}})
	require.NoError(t, err)
	assert.Equal(t, ErrCircuitOpen.Error(), req.LayerStatus["cache_layer"].Error)
	assert.Equal(t, int32(1), h.purgers[rtbf.LayerCache].calls.Load())
	assert.Equal(t, CircuitOpen, h.svc.BreakerStates()["cache_layer"])

	h.purgers[rtbf.LayerCache].fn = nil
	h.clock.Advance(2 * time.Minute)
	req, err = h.svc.Trigger(ctx, TriggerRequest{SubjectID: "c", Scope: []string{"cache_layer"}})
	require.NoError(t, err)
	assert.Equal(t, rtbf.StatusCompleted, req.Status)
	assert.Equal(t, CircuitClosed, h.svc.BreakerStates()["cache_layer"])
}

func TestTrigger_RetriggerIssuesNewCertificate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.svc.Trigger(ctx, TriggerRequest{SubjectID: "user-1"})
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	second, err := h.svc.Trigger(ctx, TriggerRequest{SubjectID: "user-1"})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	cert, err := h.svc.GetCertificate(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, cert.RequestID)

	got, err := h.svc.GetRequest(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, rtbf.StatusCompleted, got.Status)

	_, err = h.svc.GetRequest(ctx, "RTBF_missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestNewService_RejectsDuplicateLayers(t *testing.T) {
	_, err := NewService(zaptest.NewLogger(t), Dependencies{
		BlockList: rtbf.NewMemoryBlockList(),
		Requests:  rtbf.NewMemoryRequestStore(),
		Consent:   consentsvc.NewService(zaptest.NewLogger(t), consent.NewMemoryStore(), nil, nil),
		Purgers:   []rtbf.Purger{&countingPurger{layer: rtbf.LayerCache}, &countingPurger{layer: rtbf.LayerCache}},
	}, Config{})
	assert.True(t, errors.IsValidation(err))
}
