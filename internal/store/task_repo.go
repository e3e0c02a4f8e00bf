package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("task run not found")

// RunStatus mirrors the task_runs status column.
type RunStatus string

// Task run statuses persisted in task_runs.status.
const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunForced   RunStatus = "forced"
	RunError    RunStatus = "error"
)

// ParseRunStatus maps user input onto a RunStatus.
func ParseRunStatus(input string) (RunStatus, error) {
	switch input {
	case "running":
		return RunRunning, nil
	case "finished", "done", "success":
		return RunFinished, nil
	case "forced":
		return RunForced, nil
	case "error", "failed":
		return RunError, nil
	default:
		return "", errors.New("invalid status")
	}
}

// TaskRun models one row of task_runs.
type TaskRun struct {
	// TaskID is the handle identifier.
	TaskID uuid.UUID
	// Kind is train, inference, export or generic.
	Kind string
	// TotalSteps is fixed when the run starts.
	TotalSteps int64
	// Step and Progress hold the latest reported values.
	Step     int64
	Progress float64
	// StartedAt is when the handle was created.
	StartedAt time.Time
	// UpdatedAt is the timestamp of the latest progress write.
	UpdatedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	// Status is running/finished/forced/error.
	Status RunStatus
	// ErrorMessage optionally stores the worker failure.
	ErrorMessage *string
}

// TaskRepository persists task run history.
type TaskRepository interface {
	// UpsertTaskStart inserts (or idempotently updates) a running row.
	UpsertTaskStart(ctx context.Context, taskID uuid.UUID, kind string, totalSteps int64, startedAt time.Time) error
	// UpdateTaskProgress stores the latest step and fraction.
	UpdateTaskProgress(ctx context.Context, taskID uuid.UUID, step int64, progress float64, at time.Time) error
	// CompleteTask marks the run terminal with the provided status and error.
	CompleteTask(ctx context.Context, taskID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// GetTask loads a single run or returns ErrNotFound.
	GetTask(ctx context.Context, taskID uuid.UUID) (TaskRun, error)
	// ListTasks returns runs filtered by optional status plus limit/offset, newest first.
	ListTasks(ctx context.Context, status *RunStatus, limit, offset int) ([]TaskRun, error)
}
