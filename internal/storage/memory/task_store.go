// Package memory keeps task run history and artifacts in process memory for
// development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/taskprogress/internal/store"
)

// TaskStore implements store.TaskRepository with a map.
type TaskStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.TaskRun
}

// NewTaskStore constructs an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{runs: make(map[uuid.UUID]store.TaskRun)}
}

// UpsertTaskStart inserts a running row; an existing unfinished row keeps its progress.
func (s *TaskStore) UpsertTaskStart(
	_ context.Context,
	taskID uuid.UUID,
	kind string,
	totalSteps int64,
	startedAt time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[taskID]
	if ok && run.FinishedAt != nil {
		return nil
	}
	if !ok {
		run = store.TaskRun{TaskID: taskID, UpdatedAt: startedAt}
	}
	run.Kind = kind
	run.TotalSteps = totalSteps
	run.StartedAt = startedAt
	run.Status = store.RunRunning
	s.runs[taskID] = run
	return nil
}

// UpdateTaskProgress stores the newest step; older writes are ignored.
func (s *TaskStore) UpdateTaskProgress(
	_ context.Context,
	taskID uuid.UUID,
	step int64,
	progress float64,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[taskID]
	if !ok {
		return store.ErrNotFound
	}
	if at.Before(run.UpdatedAt) {
		return nil
	}
	run.Step = step
	run.Progress = progress
	run.UpdatedAt = at
	s.runs[taskID] = run
	return nil
}

// CompleteTask marks the run terminal.
func (s *TaskStore) CompleteTask(
	_ context.Context,
	taskID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[taskID]
	if !ok {
		return store.ErrNotFound
	}
	ts := finishedAt
	run.FinishedAt = &ts
	run.Status = status
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.runs[taskID] = run
	return nil
}

// GetTask returns a copy of one run.
func (s *TaskStore) GetTask(_ context.Context, taskID uuid.UUID) (store.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[taskID]
	if !ok {
		return store.TaskRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListTasks returns runs newest first.
func (s *TaskStore) ListTasks(
	_ context.Context,
	status *store.RunStatus,
	limit, offset int,
) ([]store.TaskRun, error) {
	s.mu.RLock()
	out := make([]store.TaskRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []store.TaskRun{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

var _ store.TaskRepository = (*TaskStore)(nil)
