package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/incant-go/incant/pkg/api"
)

// Store is the SQLite run journal. It records what each invocation did and is
// never consulted when deciding what to do.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps :memory: databases alive and serialises writers.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// RecordRun stores a finished run and its outcomes, assigning an ID if the
// summary has none. It returns the ID.
func (s *Store) RecordRun(ctx context.Context, project string, run api.RunSummary) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, operation, backend, project, started_at, duration_ms, status) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Operation), run.Backend, project, run.StartedAt.UnixMilli(), run.Duration.Milliseconds(), string(run.Status))
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	for i, r := range run.Results {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO outcomes (run_id, position, instance, status, applied, skipped, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, i, r.Name, string(r.Status), r.Applied, r.Skipped, r.Duration.Milliseconds(), r.Error)
		if err != nil {
			return "", fmt.Errorf("insert outcome: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return run.ID, nil
}

// RecentRuns returns up to limit runs for project, newest first, with their
// outcomes. An empty project matches every project.
func (s *Store) RecentRuns(ctx context.Context, project string, limit int) ([]api.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation, backend, started_at, duration_ms, status FROM runs
		 WHERE ? = '' OR project = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		project, project, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	var runs []api.RunSummary
	for rows.Next() {
		var (
			r              api.RunSummary
			op, status     string
			started, durMs int64
		)
		if err := rows.Scan(&r.ID, &op, &r.Backend, &started, &durMs, &status); err != nil {
			rows.Close()
			return nil, err
		}
		r.Operation = api.Operation(op)
		r.Status = api.RunStatus(status)
		r.StartedAt = time.UnixMilli(started)
		r.Duration = time.Duration(durMs) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].Results, err = s.outcomes(ctx, runs[i].ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *Store) outcomes(ctx context.Context, runID string) ([]api.InstanceResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance, status, applied, skipped, duration_ms, error FROM outcomes WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()
	var out []api.InstanceResult
	for rows.Next() {
		var (
			r      api.InstanceResult
			status string
			durMs  int64
		)
		if err := rows.Scan(&r.Name, &status, &r.Applied, &r.Skipped, &durMs, &r.Error); err != nil {
			return nil, err
		}
		r.Status = api.RunStatus(status)
		r.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
