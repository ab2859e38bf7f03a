package rest

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/audit"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/rtbf"
	budgetsvc "github.com/davidleathers/privacy-decision-gateway/internal/service/budget"
	"github.com/davidleathers/privacy-decision-gateway/internal/service/consent"
	"github.com/davidleathers/privacy-decision-gateway/internal/service/decision"
	rtbfsvc "github.com/davidleathers/privacy-decision-gateway/internal/service/rtbf"
	tokensvc "github.com/davidleathers/privacy-decision-gateway/internal/service/token"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Services are the collaborators behind the REST surface.
type Services struct {
	Gateway *decision.Gateway
	Consent consent.Service
	Budget  budgetsvc.Service
	Tokens  tokensvc.Vault
	RTBF    rtbfsvc.Service
	Audit   audit.Reader
}

func (s Services) validate() error {
	switch {
	case s.Gateway == nil:
		return errors.NewValidationError("MISSING_DEPENDENCY", "gateway is required")
	case s.Consent == nil:
		return errors.NewValidationError("MISSING_DEPENDENCY", "consent service is required")
	case s.Budget == nil:
		return errors.NewValidationError("MISSING_DEPENDENCY", "budget service is required")
	case s.Tokens == nil:
		return errors.NewValidationError("MISSING_DEPENDENCY", "token vault is required")
	case s.RTBF == nil:
		return errors.NewValidationError("MISSING_DEPENDENCY", "rtbf service is required")
	case s.Audit == nil:
		return errors.NewValidationError("MISSING_DEPENDENCY", "audit reader is required")
	}
	return nil
}

// Handlers holds the route implementations.
type Handlers struct {
	*BaseHandler
	svc     Services
	version string
}

func (h *Handlers) evaluateAccess(ctx context.Context, r *http.Request) (interface{}, error) {
	var body EvaluateAccessRequest
	if err := h.ParseAndValidate(r, &body); err != nil {
		return nil, err
	}
	req, opts := body.toDomain()
	return h.svc.Gateway.EvaluateAccess(ctx, req, opts)
}

func (h *Handlers) checkBudget(ctx context.Context, r *http.Request) (interface{}, error) {
	var body BudgetQueryRequest
	if err := h.ParseAndValidate(r, &body); err != nil {
		return nil, err
	}
	return h.svc.Gateway.CheckBudget(ctx, body.toQuery())
}

func (h *Handlers) getBudget(ctx context.Context, r *http.Request) (interface{}, error) {
	return h.svc.Gateway.BudgetStatus(ctx, r.PathValue("subject_id"))
}

func (h *Handlers) setBudget(ctx context.Context, r *http.Request) (interface{}, error) {
	var body SetBudgetRequest
	if err := h.ParseAndValidate(r, &body); err != nil {
		return nil, err
	}
	return h.svc.Budget.SetBudget(ctx, body.toDomain(r.PathValue("subject_id")))
}

func (h *Handlers) budgetHistory(ctx context.Context, r *http.Request) (interface{}, error) {
	limit, _, err := pagination(r)
	if err != nil {
		return nil, err
	}
	return h.svc.Budget.History(ctx, r.PathValue("subject_id"), limit)
}

func (h *Handlers) generateToken(ctx context.Context, r *http.Request) (interface{}, error) {
	var body GenerateTokenRequest
	if err := h.ParseAndValidate(r, &body); err != nil {
		return nil, err
	}
	return h.svc.Gateway.GenerateToken(ctx, body.toDomain())
}

func (h *Handlers) validateToken(ctx context.Context, r *http.Request) (interface{}, error) {
	var body ValidateTokenRequest
	if err := h.ParseAndValidate(r, &body); err != nil {
		return nil, err
	}
	return h.svc.Gateway.ValidateToken(ctx, body.TokenID, body.Bearer)
}

func (h *Handlers) tokenStatus(ctx context.Context, r *http.Request) (interface{}, error) {
	return h.svc.Tokens.Status(ctx, r.PathValue("token_id"))
}

func (h *Handlers) activeTokens(ctx context.Context, r *http.Request) (interface{}, error) {
	return h.svc.Tokens.ActiveTokens(ctx, r.URL.Query().Get("requester_id"))
}

func (h *Handlers) completeTask(ctx context.Context, r *http.Request) (interface{}, error) {
	taskID := r.PathValue("task_id")
	n, err := h.svc.Gateway.CompleteTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return CompleteTaskResponse{TaskID: taskID, TokensDestroyed: n}, nil
}

func (h *Handlers) applyMasking(ctx context.Context, r *http.Request) (interface{}, error) {
	var body MaskingRequest
	if err := h.ParseAndValidate(r, &body); err != nil {
		return nil, err
	}
	return h.svc.Gateway.ApplyMasking(ctx, body.Data, body.FieldTypes, body.RiskScore), nil
}

func (h *Handlers) grantConsent(ctx context.Context, r *http.Request) (interface{}, error) {
	var body ConsentUpdateRequest
	if err := h.ParseAndValidate(r, &body); err != nil {
		return nil, err
	}
	return h.svc.Consent.Grant(ctx, r.PathValue("subject_id"), body.purposes()...)
}

func (h *Handlers) revokeConsent(ctx context.Context, r *http.Request) (interface{}, error) {
	var body ConsentUpdateRequest
	if err := h.ParseAndValidate(r, &body); err != nil {
		return nil, err
	}
	return h.svc.Consent.Revoke(ctx, r.PathValue("subject_id"), body.purposes()...)
}

func (h *Handlers) getConsent(ctx context.Context, r *http.Request) (interface{}, error) {
	return h.svc.Consent.Get(ctx, r.PathValue("subject_id"))
}

func (h *Handlers) triggerRTBF(ctx context.Context, r *http.Request) (interface{}, error) {
	var body TriggerRTBFRequest
	if err := h.ParseAndValidate(r, &body); err != nil {
		return nil, err
	}
	return h.svc.Gateway.TriggerRTBF(ctx, body.toDomain())
}

func (h *Handlers) rtbfLookup(ctx context.Context, r *http.Request) (interface{}, error) {
	first, second := r.PathValue("first"), r.PathValue("second")
	switch {
	case first == "requests":
		return h.svc.RTBF.GetRequest(ctx, second)
	case second == "blocked":
		return h.checkBlocked(ctx, first)
	case second == "certificate":
		return h.svc.Gateway.GetCertificate(ctx, first)
	}
	return nil, errors.NewNotFoundError("route")
}

func (h *Handlers) listRTBFRequests(ctx context.Context, r *http.Request) (interface{}, error) {
	return h.svc.RTBF.ListRequests(ctx, rtbf.Status(r.URL.Query().Get("status")))
}

func (h *Handlers) checkBlocked(ctx context.Context, subjectID string) (interface{}, error) {
	blocked, err := h.svc.Gateway.CheckBlocked(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return BlockedResponse{SubjectID: subjectID, Blocked: blocked}, nil
}

func (h *Handlers) auditEvents(ctx context.Context, r *http.Request) (interface{}, error) {
	limit, offset, err := pagination(r)
	if err != nil {
		return nil, err
	}
	q := r.URL.Query()
	return h.svc.Audit.List(ctx, audit.Filter{
		Kind:        audit.Kind(q.Get("kind")),
		SubjectID:   q.Get("subject_id"),
		RequesterID: q.Get("requester_id"),
		Outcome:     q.Get("outcome"),
		Limit:       limit,
		Offset:      offset,
	})
}

func (h *Handlers) auditStats(ctx context.Context, _ *http.Request) (interface{}, error) {
	return h.svc.Audit.Stats(ctx)
}

func (h *Handlers) health(_ context.Context, _ *http.Request) (interface{}, error) {
	layers := h.svc.RTBF.RegisteredLayers()
	names := make([]string, len(layers))
	for i, l := range layers {
		names[i] = string(l)
	}

	resp := HealthResponse{Status: "ok", Version: h.version, Layers: names}
	if states := h.svc.RTBF.BreakerStates(); len(states) > 0 {
		resp.Breakers = make(map[string]string, len(states))
		for layer, state := range states {
			resp.Breakers[layer] = string(state)
			if state == rtbfsvc.CircuitOpen {
				resp.Status = "degraded"
			}
		}
	}
	return resp, nil
}

func pagination(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = defaultPageSize
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxPageSize {
			return 0, 0, errors.NewValidationError("INVALID_LIMIT", "limit must be between 1 and "+strconv.Itoa(maxPageSize))
		}
	}
	if v := strings.TrimSpace(q.Get("offset")); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, errors.NewValidationError("INVALID_OFFSET", "offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
