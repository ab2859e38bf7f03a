package audit

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/clock"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/audit"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/metrics"
)

// Entry is what components hand to the audit logger.
type Entry struct {
	Kind        audit.Kind
	SubjectID   string
	RequesterID string
	Outcome     string
	Reason      string
	Payload     interface{}
}

// Recorder appends entries synchronously. A nil error means the event is
// durably in the sink.
type Recorder interface {
	Record(ctx context.Context, e Entry) (audit.Event, error)
}

var _ Recorder = (*Logger)(nil)

// Logger writes entries to the audit log and mirrors a summary line to the
// structured process log.
type Logger struct {
	log     audit.Log
	logger  *zap.Logger
	clock   clock.Clock
	metrics *metrics.Registry
	tracer  trace.Tracer
}

func NewLogger(log audit.Log, logger *zap.Logger, clk clock.Clock, registry *metrics.Registry) *Logger {
	if clk == nil {
		clk = clock.System()
	}
	return &Logger{
		log:     log,
		logger:  logger.Named("audit"),
		clock:   clk,
		metrics: registry,
		tracer:  otel.Tracer("pdg/audit"),
	}
}

func (l *Logger) Record(ctx context.Context, e Entry) (audit.Event, error) {
	ctx, span := l.tracer.Start(ctx, "audit.Record",
		trace.WithAttributes(attribute.String("audit.kind", string(e.Kind))))
	defer span.End()

	event, err := audit.NewEvent(e.Kind, e.SubjectID, e.RequesterID, e.Outcome, e.Reason, e.Payload, l.clock.Now())
	if err != nil {
		return audit.Event{}, err
	}

	sealed, err := l.log.Append(ctx, event)
	if err != nil {
		span.RecordError(err)
		l.metrics.RecordAuditFailure(ctx, string(e.Kind))
		l.logger.Error("audit append failed",
			zap.String("kind", string(e.Kind)),
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
		return audit.Event{}, errors.NewExternalError("audit", "append failed").WithCause(err)
	}

	l.logger.Info("audit event",
		zap.String("kind", string(sealed.Kind)),
		zap.Int64("sequence", sealed.Sequence),
		zap.String("outcome", sealed.Outcome),
		zap.String("reason", sealed.Reason),
		zap.String("hash", sealed.Hash))
	return sealed, nil
}

func (l *Logger) List(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	return l.log.List(ctx, f)
}

func (l *Logger) Stats(ctx context.Context) (*audit.Stats, error) {
	return l.log.Stats(ctx)
}

func (l *Logger) Verify(ctx context.Context) (*audit.ChainVerificationResult, error) {
	return l.log.Verify(ctx)
}

// Anonymize redacts subjectID from every future read of the log.
func (l *Logger) Anonymize(ctx context.Context, subjectID string) (int, error) {
	n, err := l.log.Anonymize(ctx, subjectID)
	if err != nil {
		return 0, errors.NewExternalError("audit", "anonymize failed").WithCause(err)
	}
	l.logger.Info("audit subject anonymized", zap.Int("events", n))
	return n, nil
}
