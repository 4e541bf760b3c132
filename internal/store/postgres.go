// Package store is the Postgres catalog of synthesis runs.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// RunStore records run lifecycle transitions in Postgres.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a run store on an open pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

// Connect opens a pool to databaseURL, retrying while the database comes up.
func Connect(ctx context.Context, databaseURL string, attempts int, wait time.Duration) (*pgxpool.Pool, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		pool, err := pgxpool.New(ctx, databaseURL)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", attempts, lastErr)
}

// EnsureSchema creates the catalog tables if they do not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create run catalog schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *RunStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunStarted inserts a new run row.
func (s *RunStore) RunStarted(ctx context.Context, rec models.RunRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cad_runs (id, object_name, parent_run_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.ObjectName, rec.ParentRunID, string(models.RunStatusRunning), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// RunResumed sets a run back to running and clears its error.
func (s *RunStore) RunResumed(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cad_runs SET status = $2, error = NULL, completed_at = NULL WHERE id = $1`,
		runID, string(models.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to resume run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, models.ErrRunNotFound)
	}
	return nil
}

// StageCompleted records the last completed stage of a run.
func (s *RunStore) StageCompleted(ctx context.Context, runID string, stage models.Stage) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE cad_runs SET stage = $2 WHERE id = $1`,
		runID, string(stage),
	)
	if err != nil {
		return fmt.Errorf("failed to update run stage: %w", err)
	}
	return nil
}

// RunFinished records the terminal status of a run.
func (s *RunStore) RunFinished(ctx context.Context, runID string, status models.RunStatus, stage models.Stage, runErr error) error {
	var errText *string
	if runErr != nil {
		msg := runErr.Error()
		errText = &msg
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE cad_runs
		 SET status = $2, stage = $3, error = $4, completed_at = NOW()
		 WHERE id = $1`,
		runID, string(status), string(stage), errText,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, object_name, parent_run_id, status, stage, error, created_at, completed_at
		FROM cad_runs
		WHERE id = $1
	`, runID)

	rec, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return rec, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, object_name, parent_run_id, status, stage, error, created_at, completed_at
		FROM cad_runs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (*models.RunRecord, error) {
	var rec models.RunRecord
	var status, stage string
	err := row.Scan(
		&rec.ID,
		&rec.ObjectName,
		&rec.ParentRunID,
		&status,
		&stage,
		&rec.Error,
		&rec.CreatedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = models.RunStatus(status)
	rec.Stage = models.Stage(stage)
	return &rec, nil
}
