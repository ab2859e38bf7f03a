package rest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/infrastructure/telemetry"
)

const maxBodySize = 1 << 20

// ResponseEnvelope wraps all API responses
type ResponseEnvelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Meta    ResponseMeta   `json:"meta"`
}

// ResponseMeta contains response metadata
type ResponseMeta struct {
	RequestID    string    `json:"request_id"`
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version"`
	ResponseTime string    `json:"response_time,omitempty"`
}

// ErrorResponse provides detailed error information
type ErrorResponse struct {
	Code     string                 `json:"code"`
	Message  string                 `json:"message"`
	Type     string                 `json:"type,omitempty"`
	Fields   map[string][]string    `json:"fields,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// handlerFunc returns the payload for the data field of a successful
// response.
type handlerFunc func(ctx context.Context, r *http.Request) (interface{}, error)

type handlerConfig struct {
	status int
}

// HandlerOption tunes a single route.
type HandlerOption func(*handlerConfig)

// withStatus overrides the success status code.
func withStatus(code int) HandlerOption {
	return func(c *handlerConfig) { c.status = code }
}

// BaseHandler provides common functionality for all handlers
type BaseHandler struct {
	validator  *validator.Validate
	logger     *zap.Logger
	metrics    *HTTPMetrics
	apiVersion string
	now        func() time.Time
}

func NewBaseHandler(apiVersion string, logger *zap.Logger, metrics *HTTPMetrics) *BaseHandler {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json names in field errors
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &BaseHandler{
		validator:  v,
		logger:     logger,
		metrics:    metrics,
		apiVersion: apiVersion,
		now:        time.Now,
	}
}

// WrapHandler traces, times and renders a route. route is the mux pattern
// and is used as the span name and metric label.
func (h *BaseHandler) WrapHandler(route string, handler handlerFunc, opts ...HandlerOption) http.HandlerFunc {
	cfg := &handlerConfig{status: http.StatusOK}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		start := h.now()
		ctx, span := telemetry.StartHTTPSpan(r.Context(), propagation.HeaderCarrier(r.Header), r.Method, route)
		defer span.End()

		rw := &basicResponseWriter{ResponseWriter: w, status: http.StatusOK}
		res, err := handler(ctx, r.WithContext(ctx))
		if err != nil {
			telemetry.RecordError(span, err)
			h.handleError(ctx, rw, err, start)
		} else {
			h.writeSuccess(ctx, rw, cfg.status, res, start)
		}
		h.metrics.Observe(r.Method, route, rw.status, h.now().Sub(start))
	}
}

// ParseAndValidate decodes a JSON body into v and runs struct validation.
func (h *BaseHandler) ParseAndValidate(r *http.Request, v interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return errors.NewValidationError("UNSUPPORTED_MEDIA_TYPE", "Content-Type must be application/json")
	}

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.NewValidationError("BODY_TOO_LARGE", fmt.Sprintf("request body too large (max %d bytes)", maxBodySize))
		}
		return errors.NewValidationError("UNREADABLE_BODY", "failed to read request body")
	}
	if len(body) == 0 {
		return errors.NewValidationError("EMPTY_BODY", "request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.NewValidationError("INVALID_JSON", "request body is not valid JSON").WithCause(err)
	}
	if err := h.validator.Struct(v); err != nil {
		return h.formatValidationError(err)
	}
	return nil
}

// fieldError carries validator output through the error path.
type fieldError struct {
	fields map[string][]string
}

func (e *fieldError) Error() string { return "request validation failed" }

func (h *BaseHandler) formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.NewValidationError("INVALID_REQUEST", err.Error())
	}
	fields := make(map[string][]string, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		fields[name] = append(fields[name], validationMessage(fe))
	}
	return &fieldError{fields: fields}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return fmt.Sprintf("is required when %s is absent", strings.ToLower(fe.Param()))
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	}
	return "failed " + fe.Tag() + " validation"
}

func (h *BaseHandler) meta(ctx context.Context, start time.Time) ResponseMeta {
	return ResponseMeta{
		RequestID:    RequestIDFrom(ctx),
		Timestamp:    h.now().UTC(),
		Version:      h.apiVersion,
		ResponseTime: h.now().Sub(start).String(),
	}
}

func (h *BaseHandler) writeSuccess(ctx context.Context, w http.ResponseWriter, status int, data interface{}, start time.Time) {
	writeJSON(w, status, ResponseEnvelope{
		Success: true,
		Data:    data,
		Meta:    h.meta(ctx, start),
	})
}

func (h *BaseHandler) handleError(ctx context.Context, w http.ResponseWriter, err error, start time.Time) {
	status, body := h.errorResponse(err)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		body.TraceID = sc.TraceID().String()
	}
	if status >= http.StatusInternalServerError {
		telemetry.WithTrace(ctx, h.logger).Error("request failed",
			zap.String("request_id", RequestIDFrom(ctx)),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeJSON(w, status, ResponseEnvelope{
		Success: false,
		Error:   body,
		Meta:    h.meta(ctx, start),
	})
}

// errorResponse maps an error to a status and a client-safe body. Causes
// of internal failures are never echoed.
func (h *BaseHandler) errorResponse(err error) (int, *ErrorResponse) {
	var fe *fieldError
	if stderrors.As(err, &fe) {
		return http.StatusBadRequest, &ErrorResponse{
			Code:    "VALIDATION_FAILED",
			Message: "request validation failed",
			Type:    string(errors.ErrorTypeValidation),
			Fields:  fe.fields,
		}
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		status := appErr.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		resp := &ErrorResponse{
			Code:     appErr.Code,
			Message:  appErr.Message,
			Type:     string(appErr.Type),
			Metadata: appErr.Details,
		}
		if status >= http.StatusInternalServerError && appErr.Type != errors.ErrorTypeExternal {
			resp.Metadata = nil
		}
		return status, resp
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, &ErrorResponse{Code: "REQUEST_TIMEOUT", Message: "request timed out"}
	}
	return http.StatusInternalServerError, &ErrorResponse{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
		Type:    string(errors.ErrorTypeInternal),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
