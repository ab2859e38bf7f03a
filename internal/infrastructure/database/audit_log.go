package database

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/audit"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

// auditAppendLock is the advisory lock key serializing appends across
// instances so sequence numbers and hash links never fork.
const auditAppendLock int64 = 0x70646761756469

var _ audit.Log = (*AuditLog)(nil)

// AuditLog is a hash-chained audit.Log on PostgreSQL. Anonymized subjects
// are tracked in audit_redactions and redacted on read.
type AuditLog struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewAuditLog(db *pgxpool.Pool, logger *zap.Logger) *AuditLog {
	return &AuditLog{db: db, logger: logger}
}

const auditColumns = `e.sequence, e.id, e.kind, e.subject_id, e.requester_id, e.outcome,
	e.reason, e.payload, e.occurred_at, e.previous_hash, e.hash`

func (l *AuditLog) Append(ctx context.Context, e audit.Event) (audit.Event, error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return audit.Event{}, errors.NewInternalError("failed to begin transaction").WithCause(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, auditAppendLock); err != nil {
		return audit.Event{}, errors.NewInternalError("failed to lock audit chain").WithCause(err)
	}

	var (
		seq      int64 = 1
		prev     string
		last     int64
		headTime time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT sequence, hash, occurred_at FROM audit_events ORDER BY sequence DESC LIMIT 1
	`).Scan(&last, &prev, &headTime)
	switch {
	case stderrors.Is(err, pgx.ErrNoRows):
		prev = ""
	case err != nil:
		return audit.Event{}, errors.NewInternalError("failed to read audit chain head").WithCause(err)
	default:
		seq = last + 1
	}

	sealed, err := e.Seal(seq, prev, headTime)
	if err != nil {
		return audit.Event{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events (
			sequence, id, kind, subject_id, requester_id, outcome,
			reason, payload, occurred_at, previous_hash, hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sealed.Sequence, sealed.ID, string(sealed.Kind), sealed.SubjectID, sealed.RequesterID,
		sealed.Outcome, sealed.Reason, payloadText(sealed.Payload), sealed.Timestamp,
		sealed.PreviousHash, sealed.Hash)
	if err != nil {
		return audit.Event{}, errors.NewInternalError("failed to insert audit event").WithCause(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return audit.Event{}, errors.NewInternalError("failed to commit audit event").WithCause(err)
	}
	return sealed, nil
}

func (l *AuditLog) List(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	where, args := auditWhere(f)
	query := `SELECT ` + auditColumns + `, r.subject_id IS NOT NULL
		FROM audit_events e
		LEFT JOIN audit_redactions r ON r.subject_id = e.subject_id` +
		where + ` ORDER BY e.sequence DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternalError("failed to query audit events").WithCause(err)
	}
	defer rows.Close()

	out := make([]audit.Event, 0)
	for rows.Next() {
		var redacted bool
		e, err := scanEvent(rows, &redacted)
		if err != nil {
			return nil, err
		}
		if redacted {
			e = audit.Redact(e)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to read audit events").WithCause(err)
	}
	return out, nil
}

func auditWhere(f audit.Filter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("e.%s = $%d", column, len(args)))
	}
	add("kind", string(f.Kind))
	add("subject_id", f.SubjectID)
	add("requester_id", f.RequesterID)
	add("outcome", f.Outcome)
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (l *AuditLog) Stats(ctx context.Context) (*audit.Stats, error) {
	s := &audit.Stats{
		ByKind:    make(map[audit.Kind]int),
		ByOutcome: make(map[string]int),
	}

	rows, err := l.db.Query(ctx, `
		SELECT kind, outcome, COUNT(*) FROM audit_events GROUP BY kind, outcome
	`)
	if err != nil {
		return nil, errors.NewInternalError("failed to aggregate audit events").WithCause(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind, outcome string
			n             int
		)
		if err := rows.Scan(&kind, &outcome, &n); err != nil {
			return nil, errors.NewInternalError("failed to scan audit stats").WithCause(err)
		}
		s.Total += n
		s.ByKind[audit.Kind(kind)] += n
		s.ByOutcome[outcome] += n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to read audit stats").WithCause(err)
	}

	if err := l.db.QueryRow(ctx, `SELECT COUNT(*) FROM audit_redactions`).Scan(&s.Redacted); err != nil {
		return nil, errors.NewInternalError("failed to count audit redactions").WithCause(err)
	}
	return s, nil
}

func (l *AuditLog) Anonymize(ctx context.Context, subjectID string) (int, error) {
	if _, err := l.db.Exec(ctx, `
		INSERT INTO audit_redactions (subject_id) VALUES ($1)
		ON CONFLICT (subject_id) DO NOTHING
	`, subjectID); err != nil {
		return 0, errors.NewInternalError("failed to record audit redaction").WithCause(err)
	}

	var n int
	if err := l.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE subject_id = $1`, subjectID).Scan(&n); err != nil {
		return 0, errors.NewInternalError("failed to count subject audit events").WithCause(err)
	}
	l.logger.Info("audit events anonymized", zap.Int("events", n))
	return n, nil
}

// Verify walks the whole chain in sequence order.
func (l *AuditLog) Verify(ctx context.Context) (*audit.ChainVerificationResult, error) {
	rows, err := l.db.Query(ctx, `SELECT `+auditColumns+`, false
		FROM audit_events e ORDER BY e.sequence`)
	if err != nil {
		return nil, errors.NewInternalError("failed to query audit chain").WithCause(err)
	}
	defer rows.Close()

	events := make([]audit.Event, 0)
	for rows.Next() {
		var ignored bool
		e, err := scanEvent(rows, &ignored)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to read audit chain").WithCause(err)
	}

	result := audit.VerifyChain(events)
	if !result.IsValid {
		l.logger.Error("audit chain verification failed",
			zap.Int("breaks", len(result.ChainBreaks)),
			zap.Int64("start_sequence", result.StartSequence),
			zap.Int64("end_sequence", result.EndSequence))
	}
	return result, nil
}

func scanEvent(rows pgx.Rows, redacted *bool) (audit.Event, error) {
	var (
		e       audit.Event
		kind    string
		payload *string
	)
	err := rows.Scan(&e.Sequence, &e.ID, &kind, &e.SubjectID, &e.RequesterID, &e.Outcome,
		&e.Reason, &payload, &e.Timestamp, &e.PreviousHash, &e.Hash, redacted)
	if err != nil {
		return audit.Event{}, errors.NewInternalError("failed to scan audit event").WithCause(err)
	}
	e.Kind = audit.Kind(kind)
	e.Timestamp = e.Timestamp.UTC()
	if payload != nil {
		e.Payload = json.RawMessage(*payload)
	}
	return e, nil
}

func payloadText(p json.RawMessage) *string {
	if len(p) == 0 {
		return nil
	}
	s := string(p)
	return &s
}
