package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestExtractMigrationID(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"20260501090000_consent_and_budget.sql", "20260501090000_consent_and_budget"},
		{"20260501090100_audit_log.sql", "20260501090100_audit_log"},
		{"README", "README"},
		{"notes.sql.bak", "notes.sql.bak"},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, extractMigrationID(tt.filename))
		})
	}
}

func TestMigrationsDirectory(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "migrations", "*.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	ids := make(map[string]bool)
	for _, f := range files {
		id := extractMigrationID(filepath.Base(f))
		assert.False(t, ids[id], "duplicate migration id %s", id)
		ids[id] = true
	}
}

func writeMigration(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func appliedRows(ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "filename", "applied_at"})
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range ids {
		rows.AddRow(id, id+".sql", at.Add(time.Duration(i)*time.Minute))
	}
	return rows
}

func TestMigrator(t *testing.T) {
	const (
		first  = "20260101000000_first"
		second = "20260102000000_second"
	)

	tests := []struct {
		name       string
		setupMocks func(mock sqlmock.Sqlmock)
		run        func(ctx context.Context, m *Migrator) error
		validate   func(t *testing.T, out string)
	}{
		{
			name: "up applies only pending files",
			setupMocks: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT id, filename, applied_at FROM schema_migrations").
					WillReturnRows(appliedRows(first))
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE two (id INT);")).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec("INSERT INTO schema_migrations").
					WithArgs(second, second+".sql").
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
			run: func(ctx context.Context, m *Migrator) error { return m.Up(ctx, 0) },
		},
		{
			name: "up with nothing pending",
			setupMocks: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT id, filename, applied_at FROM schema_migrations").
					WillReturnRows(appliedRows(first, second))
			},
			run: func(ctx context.Context, m *Migrator) error { return m.Up(ctx, 0) },
		},
		{
			name: "failed migration rolls back",
			setupMocks: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT id, filename, applied_at FROM schema_migrations").
					WillReturnRows(appliedRows(first))
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE two (id INT);")).
					WillReturnError(assert.AnError)
				mock.ExpectRollback()
			},
			run: func(ctx context.Context, m *Migrator) error {
				err := m.Up(ctx, 0)
				if err == nil {
					return assert.AnError
				}
				return nil
			},
		},
		{
			name: "down forgets the latest migration",
			setupMocks: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT id, filename, applied_at FROM schema_migrations").
					WillReturnRows(appliedRows(first, second))
				mock.ExpectExec("DELETE FROM schema_migrations WHERE id").
					WithArgs(second).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			run: func(ctx context.Context, m *Migrator) error { return m.Down(ctx, 1) },
		},
		{
			name: "status lists applied and pending",
			setupMocks: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT id, filename, applied_at FROM schema_migrations").
					WillReturnRows(appliedRows(first))
			},
			run: func(ctx context.Context, m *Migrator) error { return m.Status(ctx) },
			validate: func(t *testing.T, out string) {
				assert.Contains(t, out, "Applied migrations: 1")
				assert.Contains(t, out, "Pending migrations: 1")
				assert.Contains(t, out, second+".sql")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeMigration(t, dir, first+".sql", "CREATE TABLE one (id INT);")
			writeMigration(t, dir, second+".sql", "CREATE TABLE two (id INT);")

			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			tt.setupMocks(mock)

			var out bytes.Buffer
			m := NewMigrator(db, dir, zaptest.NewLogger(t))
			m.out = &out

			require.NoError(t, tt.run(context.Background(), m))
			if tt.validate != nil {
				tt.validate(t, out.String())
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMigrator_Create(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "migrations")
	m := NewMigrator(nil, dir, zaptest.NewLogger(t))

	path, err := m.Create("add_index", time.Date(2026, 7, 4, 12, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "20260704123000_add_index.sql"), path)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "-- Migration: add_index")
}
