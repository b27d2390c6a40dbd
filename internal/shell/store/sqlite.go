package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// An in-memory database lives as long as its only connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RecordRun(ctx context.Context, report *domain.RunReport) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.RecordRun(ctx, report)
	})
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.RunReport, error) {
	return getRun(ctx, s.db, runID)
}

func (s *SQLiteStore) LastRun(ctx context.Context, project string, op domain.Operation) (*domain.RunReport, error) {
	return lastRun(ctx, s.db, project, op)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, project string, opts ListOptions) ([]domain.RunReport, error) {
	return listRuns(ctx, s.db, project, opts)
}

func (s *SQLiteStore) PruneRuns(ctx context.Context, project string, keep int) (int64, error) {
	return pruneRuns(ctx, s.db, project, keep)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) RecordRun(ctx context.Context, report *domain.RunReport) error {
	return recordRun(ctx, s.tx, report)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, runID string) (*domain.RunReport, error) {
	return getRun(ctx, s.tx, runID)
}

func (s *txSQLiteStore) LastRun(ctx context.Context, project string, op domain.Operation) (*domain.RunReport, error) {
	return lastRun(ctx, s.tx, project, op)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, project string, opts ListOptions) ([]domain.RunReport, error) {
	return listRuns(ctx, s.tx, project, opts)
}

func (s *txSQLiteStore) PruneRuns(ctx context.Context, project string, keep int) (int64, error) {
	return pruneRuns(ctx, s.tx, project, keep)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	return nil
}

// =============================================================================
// Run Operations
// =============================================================================

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// runRow represents a run row in the database.
type runRow struct {
	RunID      string `db:"run_id"`
	Project    string `db:"project"`
	Operation  string `db:"operation"`
	StartedAt  string `db:"started_at"`
	FinishedAt string `db:"finished_at"`
}

// serviceRow represents a service_states row in the database.
type serviceRow struct {
	RunID    string `db:"run_id"`
	Position int    `db:"position"`
	domain.ServiceReport
}

func recordRun(ctx context.Context, exec executor, report *domain.RunReport) error {
	query := `
		INSERT INTO runs (run_id, project, operation, started_at, finished_at)
		VALUES (:run_id, :project, :operation, :started_at, :finished_at)`

	row := runRow{
		RunID:      report.RunID,
		Project:    report.Project,
		Operation:  string(report.Operation),
		StartedAt:  report.StartedAt.UTC().Format(timeLayout),
		FinishedAt: report.FinishedAt.UTC().Format(timeLayout),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.run_id") {
			return NewStoreError("RecordRun", "run", report.RunID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("RecordRun", "run", report.RunID, err.Error(), err)
	}

	serviceQuery := `
		INSERT INTO service_states (run_id, position, service, status, attempts, container_id, error, error_kind)
		VALUES (:run_id, :position, :service, :status, :attempts, :container_id, :error, :error_kind)`

	for i, svc := range report.Services {
		sr := serviceRow{RunID: report.RunID, Position: i, ServiceReport: svc}
		if _, err := exec.NamedExecContext(ctx, serviceQuery, sr); err != nil {
			return NewStoreError("RecordRun", "run", report.RunID, fmt.Sprintf("failed to record %s: %v", svc.Name, err), err)
		}
	}

	return nil
}

func getRun(ctx context.Context, exec executor, runID string) (*domain.RunReport, error) {
	var row runRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", runID, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", runID, err.Error(), err)
	}
	return loadRun(ctx, exec, &row)
}

func lastRun(ctx context.Context, exec executor, project string, op domain.Operation) (*domain.RunReport, error) {
	query := `SELECT * FROM runs WHERE project = ?`
	args := []any{project}
	if op != "" {
		query += ` AND operation = ?`
		args = append(args, string(op))
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT 1`

	var row runRow
	if err := exec.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("LastRun", "run", "", fmt.Sprintf("no runs for project %s", project), ErrNotFound)
		}
		return nil, NewStoreError("LastRun", "run", "", err.Error(), err)
	}
	return loadRun(ctx, exec, &row)
}

func listRuns(ctx context.Context, exec executor, project string, opts ListOptions) ([]domain.RunReport, error) {
	opts = opts.Normalize()

	var rows []runRow
	query := `SELECT * FROM runs WHERE project = ? ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`
	if err := exec.SelectContext(ctx, &rows, query, project, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	reports := make([]domain.RunReport, 0, len(rows))
	for i := range rows {
		r, err := loadRun(ctx, exec, &rows[i])
		if err != nil {
			return nil, err
		}
		reports = append(reports, *r)
	}
	return reports, nil
}

func pruneRuns(ctx context.Context, exec executor, project string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	query := `
		DELETE FROM runs WHERE project = ? AND run_id NOT IN (
			SELECT run_id FROM runs WHERE project = ? ORDER BY started_at DESC, rowid DESC LIMIT ?
		)`
	res, err := exec.ExecContext(ctx, query, project, project, keep)
	if err != nil {
		return 0, NewStoreError("PruneRuns", "run", "", err.Error(), err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// loadRun attaches the service rows of a run.
func loadRun(ctx context.Context, exec executor, row *runRow) (*domain.RunReport, error) {
	report, err := rowToRun(row)
	if err != nil {
		return nil, err
	}

	var services []serviceRow
	query := `SELECT * FROM service_states WHERE run_id = ? ORDER BY position`
	if err := exec.SelectContext(ctx, &services, query, row.RunID); err != nil {
		return nil, NewStoreError("GetRun", "run", row.RunID, err.Error(), err)
	}

	report.Services = make([]domain.ServiceReport, 0, len(services))
	for _, s := range services {
		report.Services = append(report.Services, s.ServiceReport)
	}
	return report, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowToRun(row *runRow) (*domain.RunReport, error) {
	startedAt, err := time.Parse(timeLayout, row.StartedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.RunID, "invalid started_at", ErrInvalidData)
	}
	finishedAt, err := time.Parse(timeLayout, row.FinishedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.RunID, "invalid finished_at", ErrInvalidData)
	}

	return &domain.RunReport{
		RunID:      row.RunID,
		Project:    row.Project,
		Operation:  domain.Operation(row.Operation),
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}, nil
}
