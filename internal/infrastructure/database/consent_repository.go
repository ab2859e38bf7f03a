package database

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/access"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/consent"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

var _ consent.Store = (*ConsentRepository)(nil)

// ConsentRepository implements consent.Store on the consent_records table.
type ConsentRepository struct {
	db *pgxpool.Pool
}

// NewConsentRepository creates a new PostgreSQL consent repository
func NewConsentRepository(db *pgxpool.Pool) *ConsentRepository {
	return &ConsentRepository{db: db}
}

func (r *ConsentRepository) Get(ctx context.Context, subjectID string) (*consent.Record, error) {
	var (
		purposes []string
		updated  time.Time
		version  int64
	)
	err := r.db.QueryRow(ctx, `
		SELECT purposes, last_updated, version
		FROM consent_records
		WHERE subject_id = $1
	`, subjectID).Scan(&purposes, &updated, &version)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewNotFoundError("consent record")
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to load consent record").WithCause(err)
	}

	rec := &consent.Record{
		SubjectID:   subjectID,
		Purposes:    make([]access.Purpose, len(purposes)),
		LastUpdated: updated.UTC(),
		Version:     version,
	}
	for i, p := range purposes {
		rec.Purposes[i] = access.Purpose(p)
	}
	return rec, nil
}

// CompareAndSwap inserts when expected is 0 and otherwise updates only the
// row still at the expected version.
func (r *ConsentRepository) CompareAndSwap(ctx context.Context, expected int64, next *consent.Record) (bool, error) {
	purposes := make([]string, len(next.Purposes))
	for i, p := range next.Purposes {
		purposes[i] = string(p)
	}

	var (
		affected int64
		err      error
	)
	if expected == 0 {
		tag, execErr := r.db.Exec(ctx, `
			INSERT INTO consent_records (subject_id, purposes, last_updated, version)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (subject_id) DO NOTHING
		`, next.SubjectID, purposes, next.LastUpdated)
		affected, err = tag.RowsAffected(), execErr
	} else {
		tag, execErr := r.db.Exec(ctx, `
			UPDATE consent_records
			SET purposes = $2, last_updated = $3, version = version + 1
			WHERE subject_id = $1 AND version = $4
		`, next.SubjectID, purposes, next.LastUpdated, expected)
		affected, err = tag.RowsAffected(), execErr
	}
	if err != nil {
		return false, errors.NewInternalError("failed to store consent record").WithCause(err)
	}
	return affected == 1, nil
}

func (r *ConsentRepository) Delete(ctx context.Context, subjectID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM consent_records WHERE subject_id = $1`, subjectID)
	if err != nil {
		return false, errors.NewInternalError("failed to delete consent record").WithCause(err)
	}
	return tag.RowsAffected() > 0, nil
}
