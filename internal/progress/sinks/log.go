package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/progress"
)

// LogSink emits structured logs for task events. Progress events are logged at
// debug level; lifecycle changes at info, and late updates and errors at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("kind", string(evt.Kind)),
			zap.Int64("step", evt.Step),
			zap.Int64("total_steps", evt.TotalSteps),
			zap.Float64("progress", evt.Progress),
			zap.Duration("elapsed", evt.Dur),
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageTaskProgress:
			s.logger.Debug("task event", fields...)
		case progress.StageTaskLateUpdate, progress.StageTaskError:
			s.logger.Warn("task event", fields...)
		default:
			s.logger.Info("task event", fields...)
		}
	}
	return nil
}

// Close flushes buffered log entries.
func (s *LogSink) Close(context.Context) error {
	// Sync on stderr/stdout returns EINVAL on some platforms; nothing to act on.
	_ = s.logger.Sync()
	return nil
}
