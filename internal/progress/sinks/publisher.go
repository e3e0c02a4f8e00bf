package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/progress"
)

// Publisher sends a payload to a topic and returns the broker message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// CompletionNotice is the payload published when a task reaches a terminal stage.
type CompletionNotice struct {
	TaskID     string  `json:"task_id"`
	Kind       string  `json:"kind"`
	Stage      string  `json:"stage"`
	Step       int64   `json:"step"`
	TotalSteps int64   `json:"total_steps"`
	Progress   float64 `json:"progress"`
	FinishedAt string  `json:"finished_at"`
	DurationMs int64   `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// PublisherSink publishes a CompletionNotice for every terminal task event.
// Non-terminal events are ignored.
type PublisherSink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink wires a publisher and topic to the sink interface.
func NewPublisherSink(publisher Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes notices for terminal events in the batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		notice := CompletionNotice{
			TaskID:     evt.TaskUUID().String(),
			Kind:       string(evt.Kind),
			Stage:      string(evt.Stage),
			Step:       evt.Step,
			TotalSteps: evt.TotalSteps,
			Progress:   evt.Progress,
			FinishedAt: evt.TS.UTC().Format(time.RFC3339),
			DurationMs: evt.Dur.Milliseconds(),
		}
		if evt.Stage == progress.StageTaskError {
			notice.Error = evt.Note
		}
		id, err := s.publisher.Publish(ctx, s.topic, notice)
		if err != nil {
			return fmt.Errorf("publish completion notice: %w", err)
		}
		s.logger.Debug("completion notice published",
			zap.String("task_id", notice.TaskID),
			zap.String("message_id", id),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
