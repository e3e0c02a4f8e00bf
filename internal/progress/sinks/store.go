package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/progress"
	"github.com/JakeFAU/taskprogress/internal/store"
)

// StoreSink persists task runs via a store.TaskRepository. Progress events are
// collapsed per task so each batch writes at most one progress row per run.
type StoreSink struct {
	repo   store.TaskRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.TaskRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies the batch to the repository in event order and returns the
// first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID]progressDelta)
	var order []uuid.UUID

	for _, evt := range batch {
		taskID := evt.TaskUUID()
		switch evt.Stage {
		case progress.StageTaskStart:
			startedAt := evt.TS.Add(-evt.Dur)
			if err := s.repo.UpsertTaskStart(ctx, taskID, string(evt.Kind), evt.TotalSteps, startedAt); err != nil {
				return fmt.Errorf("upsert task start: %w", err)
			}
		case progress.StageTaskProgress:
			if _, ok := pending[taskID]; !ok {
				order = append(order, taskID)
			}
			pending[taskID] = progressDelta{step: evt.Step, progress: evt.Progress, at: evt.TS}
		case progress.StageTaskDone, progress.StageTaskForced, progress.StageTaskError:
			delete(pending, taskID)
			if err := s.complete(ctx, taskID, evt); err != nil {
				return err
			}
		case progress.StageTaskLateUpdate:
			s.logger.Debug("ignoring late update", zap.String("task_id", taskID.String()))
		}
	}

	for _, taskID := range order {
		delta, ok := pending[taskID]
		if !ok {
			continue
		}
		if err := s.repo.UpdateTaskProgress(ctx, taskID, delta.step, delta.progress, delta.at); err != nil {
			return fmt.Errorf("update task progress: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, taskID uuid.UUID, evt progress.Event) error {
	if err := s.repo.UpdateTaskProgress(ctx, taskID, evt.Step, evt.Progress, evt.TS); err != nil {
		return fmt.Errorf("update task progress: %w", err)
	}
	status := store.RunFinished
	var note *string
	switch evt.Stage {
	case progress.StageTaskForced:
		status = store.RunForced
	case progress.StageTaskError:
		status = store.RunError
		msg := evt.Note
		note = &msg
	}
	if err := s.repo.CompleteTask(ctx, taskID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type progressDelta struct {
	step     int64
	progress float64
	at       time.Time
}
