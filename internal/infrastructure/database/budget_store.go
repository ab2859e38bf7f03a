package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/lib/pq"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/budget"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

// PostgreSQL error codes that mean "lost a race" rather than "broken".
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
)

var _ budget.Store = (*BudgetStore)(nil)

// BudgetStore implements budget.Store on database/sql with the lib/pq
// driver. Writes are version-checked upserts.
type BudgetStore struct {
	db *sql.DB
}

func NewBudgetStore(db *sql.DB) *BudgetStore {
	return &BudgetStore{db: db}
}

const selectBudgetAccount = `SELECT subject_id, total_epsilon, consumed_epsilon, window_start,
	window_duration_ns, query_count, last_query_at, version
	FROM budget_accounts WHERE subject_id = $1`

func (s *BudgetStore) Get(ctx context.Context, subjectID string) (*budget.Account, error) {
	var (
		a        budget.Account
		windowNS int64
		lastAt   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, selectBudgetAccount, subjectID).Scan(
		&a.SubjectID, &a.TotalEpsilon, &a.ConsumedEpsilon, &a.WindowStart,
		&windowNS, &a.QueryCount, &lastAt, &a.Version)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("budget account")
	}
	if err != nil {
		return nil, err
	}
	a.WindowStart = a.WindowStart.UTC()
	a.WindowDuration = time.Duration(windowNS)
	if lastAt.Valid {
		t := lastAt.Time.UTC()
		a.LastQueryAt = &t
	}
	return &a, nil
}

const insertBudgetAccount = `INSERT INTO budget_accounts (
	subject_id, total_epsilon, consumed_epsilon, window_start,
	window_duration_ns, query_count, last_query_at, version
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (subject_id) DO NOTHING`

const updateBudgetAccount = `UPDATE budget_accounts SET
	total_epsilon = $2, consumed_epsilon = $3, window_start = $4,
	window_duration_ns = $5, query_count = $6, last_query_at = $7, version = $8
WHERE subject_id = $1 AND version = $9`

func (s *BudgetStore) CompareAndSwap(ctx context.Context, expected int64, next *budget.Account) (bool, error) {
	if next.Version != expected+1 {
		return false, errors.NewInternalError("budget account version must advance by one")
	}

	var lastAt sql.NullTime
	if next.LastQueryAt != nil {
		lastAt = sql.NullTime{Time: *next.LastQueryAt, Valid: true}
	}
	args := []interface{}{
		next.SubjectID, next.TotalEpsilon, next.ConsumedEpsilon, next.WindowStart,
		int64(next.WindowDuration), next.QueryCount, lastAt, next.Version,
	}

	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = s.db.ExecContext(ctx, insertBudgetAccount, args...)
	} else {
		res, err = s.db.ExecContext(ctx, updateBudgetAccount, append(args, expected)...)
	}
	if err != nil {
		if lostRace(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *BudgetStore) Delete(ctx context.Context, subjectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM budget_accounts WHERE subject_id = $1`, subjectID)
	return err
}

func lostRace(err error) bool {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqUniqueViolation || pqErr.Code == pqSerializationFailure
}

var _ budget.HistoryLog = (*BudgetHistory)(nil)

// BudgetHistory implements budget.HistoryLog on the budget_history table,
// trimming each subject to the newest limit rows after every append.
type BudgetHistory struct {
	db    *sql.DB
	limit int
}

func NewBudgetHistory(db *sql.DB, limit int) *BudgetHistory {
	if limit <= 0 {
		limit = budget.DefaultHistoryLimit
	}
	return &BudgetHistory{db: db, limit: limit}
}

const insertBudgetHistory = `INSERT INTO budget_history (
	subject_id, requester_id, query_type, data_sensitivity, num_records,
	purpose, query_cost, allowed, alert_level, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const trimBudgetHistory = `DELETE FROM budget_history
WHERE subject_id = $1 AND id NOT IN (
	SELECT id FROM budget_history WHERE subject_id = $1 ORDER BY id DESC LIMIT $2
)`

func (h *BudgetHistory) Append(ctx context.Context, e budget.HistoryEntry) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertBudgetHistory,
		e.SubjectID, e.RequesterID, string(e.QueryType), e.Sensitivity, e.NumRecords,
		e.Purpose, e.Cost, e.Allowed, string(e.AlertLevel), e.Timestamp); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, trimBudgetHistory, e.SubjectID, h.limit); err != nil {
		return err
	}
	return tx.Commit()
}

const selectBudgetHistory = `SELECT subject_id, requester_id, query_type, data_sensitivity,
	num_records, purpose, query_cost, allowed, alert_level, created_at
FROM budget_history WHERE subject_id = $1 ORDER BY id DESC`

func (h *BudgetHistory) List(ctx context.Context, subjectID string, limit int) ([]budget.HistoryEntry, error) {
	query, args := selectBudgetHistory, []interface{}{subjectID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]budget.HistoryEntry, 0)
	for rows.Next() {
		var (
			e              budget.HistoryEntry
			queryType, lvl string
		)
		if err := rows.Scan(&e.SubjectID, &e.RequesterID, &queryType, &e.Sensitivity,
			&e.NumRecords, &e.Purpose, &e.Cost, &e.Allowed, &lvl, &e.Timestamp); err != nil {
			return nil, err
		}
		e.QueryType = budget.QueryType(queryType)
		e.AlertLevel = budget.AlertLevel(lvl)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (h *BudgetHistory) Clear(ctx context.Context, subjectID string) error {
	_, err := h.db.ExecContext(ctx, `DELETE FROM budget_history WHERE subject_id = $1`, subjectID)
	return err
}
