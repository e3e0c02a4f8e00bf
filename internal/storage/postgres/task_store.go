// Package postgres provides the Postgres-backed task run repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/taskprogress/internal/store"
)

// Schema creates the task_runs table used by TaskStore.
const Schema = `
CREATE TABLE IF NOT EXISTS task_runs (
	task_id       UUID PRIMARY KEY,
	kind          TEXT NOT NULL,
	total_steps   BIGINT NOT NULL,
	step          BIGINT NOT NULL DEFAULT 0,
	progress      DOUBLE PRECISION NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS task_runs_started_at_idx ON task_runs (started_at DESC);
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// TaskStore implements store.TaskRepository using Postgres.
type TaskStore struct {
	pool pool
}

// NewTaskStore connects a pool using cfg.
func NewTaskStore(ctx context.Context, cfg Config) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &TaskStore{pool: p}, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(p pool) (*TaskStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &TaskStore{pool: p}, nil
}

// Close releases the underlying pool.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the task_runs table if it does not exist.
func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure task_runs schema: %w", err)
	}
	return nil
}

// UpsertTaskStart inserts a running row or refreshes an unfinished one.
func (s *TaskStore) UpsertTaskStart(
	ctx context.Context,
	taskID uuid.UUID,
	kind string,
	totalSteps int64,
	startedAt time.Time,
) error {
	query := `
		INSERT INTO task_runs (task_id, kind, total_steps, started_at, updated_at, status)
		VALUES ($1, $2, $3, $4, $4, $5)
		ON CONFLICT (task_id) DO UPDATE
		SET kind = EXCLUDED.kind, total_steps = EXCLUDED.total_steps,
			started_at = EXCLUDED.started_at, status = EXCLUDED.status
		WHERE task_runs.finished_at IS NULL;
	`
	if _, err := s.pool.Exec(ctx, query, taskID, kind, totalSteps, startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("failed to upsert task start: %w", err)
	}
	return nil
}

// UpdateTaskProgress stores the newest step; stale writes leave the row untouched.
func (s *TaskStore) UpdateTaskProgress(
	ctx context.Context,
	taskID uuid.UUID,
	step int64,
	progress float64,
	at time.Time,
) error {
	query := `
		UPDATE task_runs
		SET step = $1, progress = $2, updated_at = $3
		WHERE task_id = $4 AND updated_at <= $3;
	`
	if _, err := s.pool.Exec(ctx, query, step, progress, at, taskID); err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	return nil
}

// CompleteTask marks the run terminal. It returns store.ErrNotFound when no row matches.
func (s *TaskStore) CompleteTask(
	ctx context.Context,
	taskID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE task_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE task_id = $4;
	`
	res, err := s.pool.Exec(ctx, query, finishedAt, string(status), errMsg, taskID)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const selectRuns = `
	SELECT task_id, kind, total_steps, step, progress, started_at, updated_at, finished_at, status, error_message
	FROM task_runs
`

// GetTask retrieves a single run.
func (s *TaskStore) GetTask(ctx context.Context, taskID uuid.UUID) (store.TaskRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, selectRuns+"WHERE task_id = $1;", taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.TaskRun{}, store.ErrNotFound
		}
		return store.TaskRun{}, fmt.Errorf("failed to get task: %w", err)
	}
	return run, nil
}

// ListTasks retrieves runs newest first with optional status filtering.
func (s *TaskStore) ListTasks(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.TaskRun, error) {
	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	query := selectRuns + `
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	runs := []store.TaskRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.TaskRun, error) {
	var (
		run    store.TaskRun
		status string
	)
	err := row.Scan(
		&run.TaskID,
		&run.Kind,
		&run.TotalSteps,
		&run.Step,
		&run.Progress,
		&run.StartedAt,
		&run.UpdatedAt,
		&run.FinishedAt,
		&status,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.TaskRun{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}

var _ store.TaskRepository = (*TaskStore)(nil)
