package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/taskprogress/internal/progress"
	"github.com/JakeFAU/taskprogress/internal/publisher/memory"
)

func TestPublisherSinkPublishesTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "task-completions", nil)
	id := uuid.New()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	batch := []progress.Event{
		{TaskID: progress.UUIDToBytes(id), Stage: progress.StageTaskProgress, TS: now, TotalSteps: 2, Step: 1, Progress: 0.5},
		{
			TaskID:     progress.UUIDToBytes(id),
			Stage:      progress.StageTaskError,
			TS:         now,
			Kind:       progress.KindExport,
			TotalSteps: 2,
			Step:       1,
			Progress:   0.5,
			Dur:        1500 * time.Millisecond,
			Note:       "disk full",
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "task-completions", msgs[0].Topic)
	notice, ok := msgs[0].Payload.(CompletionNotice)
	require.True(t, ok)
	require.Equal(t, id.String(), notice.TaskID)
	require.Equal(t, "export", notice.Kind)
	require.Equal(t, "disk full", notice.Error)
	require.Equal(t, int64(1500), notice.DurationMs)
	require.Equal(t, "2026-01-02T03:04:05Z", notice.FinishedAt)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	id := progress.UUIDToBytes(uuid.New())
	batch := []progress.Event{
		{TaskID: id, Stage: progress.StageTaskProgress, TS: time.Now(), TotalSteps: 1},
		{TaskID: id, Stage: progress.StageTaskDone, TS: time.Now(), TotalSteps: 1},
		{TaskID: id, Stage: progress.StageTaskLateUpdate, TS: time.Now(), TotalSteps: 1, Note: "update after finish"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 3, logs.Len())
	entries := logs.All()
	require.Equal(t, zap.DebugLevel, entries[0].Level)
	require.Equal(t, zap.InfoLevel, entries[1].Level)
	require.Equal(t, zap.WarnLevel, entries[2].Level)
	require.Equal(t, "update after finish", entries[2].ContextMap()["note"])
}
