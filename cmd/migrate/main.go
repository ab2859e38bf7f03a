package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/infrastructure/config"
	"github.com/davidleathers/privacy-decision-gateway/internal/infrastructure/database"
	"github.com/davidleathers/privacy-decision-gateway/internal/infrastructure/telemetry"
)

const migrationsTable = "schema_migrations"

type Migration struct {
	ID        string
	Filename  string
	AppliedAt time.Time
}

func main() {
	var (
		configPath = flag.String("config", config.DefaultPath, "Path to configuration file")
		action     = flag.String("action", "up", "Migration action: up, down, status, create")
		name       = flag.String("name", "", "Migration name (for create action)")
		steps      = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
	)
	flag.Parse()

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *action == "create" {
		if *name == "" {
			logger.Fatal("migration name is required for create action")
		}
		m := NewMigrator(nil, cfg.Database.MigrationsDir, logger)
		if _, err := m.Create(*name, time.Now()); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		return
	}

	ctx := context.Background()
	db, err := database.OpenSQL(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	m := NewMigrator(db, cfg.Database.MigrationsDir, logger)
	switch *action {
	case "up":
		err = m.Up(ctx, *steps)
	case "down":
		err = m.Down(ctx, *steps)
	case "status":
		err = m.Status(ctx)
	default:
		logger.Fatal("unknown action", zap.String("action", *action))
	}
	if err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
}

// Migrator applies the SQL files in dir in lexical order and records each
// one in schema_migrations.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger *zap.Logger
	out    io.Writer
}

func NewMigrator(db *sql.DB, dir string, logger *zap.Logger) *Migrator {
	if dir == "" {
		dir = "migrations"
	}
	return &Migrator{db: db, dir: dir, logger: logger, out: os.Stdout}
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(255) PRIMARY KEY,
			filename VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`, migrationsTable)

	_, err := m.db.ExecContext(ctx, query)
	return err
}

func (m *Migrator) getAppliedMigrations(ctx context.Context) ([]Migration, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure migrations table: %w", err)
	}

	query := fmt.Sprintf("SELECT id, filename, applied_at FROM %s ORDER BY applied_at", migrationsTable)
	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		if err := rows.Scan(&mig.ID, &mig.Filename, &mig.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

func (m *Migrator) pendingMigrations(applied []Migration) ([]string, error) {
	seen := make(map[string]struct{}, len(applied))
	for _, mig := range applied {
		seen[mig.ID] = struct{}{}
	}

	files, err := filepath.Glob(filepath.Join(m.dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("failed to list migration files: %w", err)
	}
	sort.Strings(files)

	var pending []string
	for _, file := range files {
		if _, ok := seen[extractMigrationID(filepath.Base(file))]; !ok {
			pending = append(pending, file)
		}
	}
	return pending, nil
}

func (m *Migrator) Up(ctx context.Context, steps int) error {
	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}
	pending, err := m.pendingMigrations(applied)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		m.logger.Info("no pending migrations")
		return nil
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	for _, file := range pending {
		if err := m.applyMigration(ctx, file); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", file, err)
		}
		m.logger.Info("applied migration", zap.String("file", file))
	}

	m.logger.Info("migrations completed", zap.Int("count", len(pending)))
	return nil
}

// Down forgets the most recent migrations. Schema changes are not reverted.
func (m *Migrator) Down(ctx context.Context, steps int) error {
	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		m.logger.Info("no migrations to rollback")
		return nil
	}

	sort.SliceStable(applied, func(i, j int) bool {
		if applied[i].AppliedAt.Equal(applied[j].AppliedAt) {
			return applied[i].ID > applied[j].ID
		}
		return applied[i].AppliedAt.After(applied[j].AppliedAt)
	})
	if steps > 0 && steps < len(applied) {
		applied = applied[:steps]
	}

	for _, mig := range applied {
		if err := m.rollbackMigration(ctx, mig); err != nil {
			return fmt.Errorf("failed to rollback migration %s: %w", mig.Filename, err)
		}
	}

	m.logger.Info("rollback completed", zap.Int("count", len(applied)))
	return nil
}

func (m *Migrator) Status(ctx context.Context) error {
	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}
	pending, err := m.pendingMigrations(applied)
	if err != nil {
		return err
	}

	fmt.Fprintf(m.out, "Applied migrations: %d\n", len(applied))
	for _, mig := range applied {
		fmt.Fprintf(m.out, "  %s - %s (applied at %s)\n",
			mig.ID, mig.Filename, mig.AppliedAt.Format(time.RFC3339))
	}

	fmt.Fprintf(m.out, "\nPending migrations: %d\n", len(pending))
	for _, file := range pending {
		fmt.Fprintf(m.out, "  %s - %s\n", extractMigrationID(filepath.Base(file)), filepath.Base(file))
	}
	return nil
}

// Create writes an empty migration stamped with now and returns its path.
func (m *Migrator) Create(name string, now time.Time) (string, error) {
	id := fmt.Sprintf("%s_%s", now.UTC().Format("20060102150405"), name)
	path := filepath.Join(m.dir, id+".sql")

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create migrations directory: %w", err)
	}

	content := fmt.Sprintf("-- Migration: %s\n\n", name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to create migration file: %w", err)
	}

	m.logger.Info("created migration", zap.String("file", path))
	return path, nil
}

func (m *Migrator) applyMigration(ctx context.Context, file string) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	base := filepath.Base(file)
	query := fmt.Sprintf("INSERT INTO %s (id, filename) VALUES ($1, $2)", migrationsTable)
	if _, err := tx.ExecContext(ctx, query, extractMigrationID(base), base); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

func (m *Migrator) rollbackMigration(ctx context.Context, mig Migration) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", migrationsTable)
	if _, err := m.db.ExecContext(ctx, query, mig.ID); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	m.logger.Warn("migration rolled back - manual cleanup may be required",
		zap.String("migration", mig.Filename))
	return nil
}

func extractMigrationID(filename string) string {
	return strings.TrimSuffix(filename, ".sql")
}
