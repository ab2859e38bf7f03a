package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/rtbf"
)

// DefaultSubjectTables hold subject-keyed primary data.
var DefaultSubjectTables = []string{"subject_records", "consent_records"}

var _ rtbf.Purger = (*SubjectPurger)(nil)

// SubjectPurger erases a subject from the primary database by deleting
// every row keyed by subject_id in the configured tables, in one
// transaction.
type SubjectPurger struct {
	db     *pgxpool.Pool
	tables []string
	logger *zap.Logger
}

func NewSubjectPurger(db *pgxpool.Pool, logger *zap.Logger, tables ...string) *SubjectPurger {
	if len(tables) == 0 {
		tables = DefaultSubjectTables
	}
	return &SubjectPurger{db: db, tables: tables, logger: logger}
}

func (p *SubjectPurger) Layer() rtbf.Layer { return rtbf.LayerPrimaryDatabase }

func (p *SubjectPurger) Purge(ctx context.Context, subjectID string) (rtbf.PurgeResult, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return rtbf.PurgeResult{}, errors.NewExternalError("primary_database", "purge failed").WithCause(err)
	}
	defer tx.Rollback(ctx)

	total := 0
	perTable := make(map[string]interface{}, len(p.tables))
	for _, table := range p.tables {
		stmt := fmt.Sprintf("DELETE FROM %s WHERE subject_id = $1", pgx.Identifier{table}.Sanitize())
		tag, err := tx.Exec(ctx, stmt, subjectID)
		if err != nil {
			return rtbf.PurgeResult{}, errors.NewExternalError("primary_database", "purge failed").WithCause(err).
				WithDetails(map[string]interface{}{"table": table})
		}
		n := int(tag.RowsAffected())
		perTable[table] = n
		total += n
	}

	if err := tx.Commit(ctx); err != nil {
		return rtbf.PurgeResult{}, errors.NewExternalError("primary_database", "purge failed").WithCause(err)
	}
	p.logger.Debug("primary database purged", zap.Int("rows", total))
	return rtbf.PurgeResult{RecordsAffected: total, Details: map[string]interface{}{"tables": perTable}}, nil
}
