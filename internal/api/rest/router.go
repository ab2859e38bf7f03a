package rest

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const apiPrefix = "/api/v1"

// Config holds API configuration
type Config struct {
	Version string
	Logger  *zap.Logger

	// Registerer and Gatherer back the HTTP collectors and GET /metrics.
	// Both default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	RateLimitRPS   int
	RateLimitBurst int
}

// NewRouter builds the full HTTP handler.
func NewRouter(cfg Config, svc Services) (http.Handler, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger := cfg.Logger.Named("http")

	h := &Handlers{
		BaseHandler: NewBaseHandler("v1", logger, NewHTTPMetrics(cfg.Registerer)),
		svc:         svc,
		version:     cfg.Version,
	}

	mux := http.NewServeMux()
	route := func(pattern string, fn handlerFunc, opts ...HandlerOption) {
		mux.Handle(pattern, h.WrapHandler(pattern, fn, opts...))
	}
	created := withStatus(http.StatusCreated)

	route("POST "+apiPrefix+"/access/evaluate", h.evaluateAccess)

	route("POST "+apiPrefix+"/budget/check", h.checkBudget)
	route("GET "+apiPrefix+"/budget/{subject_id}", h.getBudget)
	route("PUT "+apiPrefix+"/budget/{subject_id}", h.setBudget)
	route("GET "+apiPrefix+"/budget/{subject_id}/history", h.budgetHistory)

	route("POST "+apiPrefix+"/tokens", h.generateToken, created)
	route("GET "+apiPrefix+"/tokens", h.activeTokens)
	route("POST "+apiPrefix+"/tokens/validate", h.validateToken)
	route("GET "+apiPrefix+"/tokens/{token_id}", h.tokenStatus)
	route("POST "+apiPrefix+"/tasks/{task_id}/complete", h.completeTask)

	route("POST "+apiPrefix+"/masking/apply", h.applyMasking)

	route("POST "+apiPrefix+"/consent/{subject_id}/grant", h.grantConsent)
	route("POST "+apiPrefix+"/consent/{subject_id}/revoke", h.revokeConsent)
	route("GET "+apiPrefix+"/consent/{subject_id}", h.getConsent)

	route("POST "+apiPrefix+"/rtbf", h.triggerRTBF, created)
	route("GET "+apiPrefix+"/rtbf/requests", h.listRTBFRequests)
	// requests/{request_id}, {subject_id}/blocked and {subject_id}/certificate
	// overlap as mux patterns, so one route dispatches all three.
	route("GET "+apiPrefix+"/rtbf/{first}/{second}", h.rtbfLookup)

	route("GET "+apiPrefix+"/audit/events", h.auditEvents)
	route("GET "+apiPrefix+"/audit/stats", h.auditStats)

	route("GET /healthz", h.health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	return Chain(mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware(),
		LoggingMiddleware(logger),
		RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst),
	), nil
}
