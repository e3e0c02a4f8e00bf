package progress

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported task stages.
const (
	StageTaskStart      Stage = "TASK_START"
	StageTaskProgress   Stage = "TASK_PROGRESS"
	StageTaskDone       Stage = "TASK_DONE"
	StageTaskForced     Stage = "TASK_FORCED"
	StageTaskLateUpdate Stage = "TASK_LATE_UPDATE"
	StageTaskError      Stage = "TASK_ERROR"
)

// Terminal reports whether the stage ends a task run.
func (s Stage) Terminal() bool {
	switch s {
	case StageTaskDone, StageTaskForced, StageTaskError:
		return true
	default:
		return false
	}
}

// Event captures a single change in task progress.
type Event struct {
	// TaskID identifies the handle using the 16-byte UUID form.
	TaskID [16]byte
	// TS is the timestamp recorded by the handle's clock.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Kind is the handle variant (train, inference, export, generic).
	Kind Kind
	// Step is the step reported with the event.
	Step int64
	// TotalSteps is the fixed step count of the task.
	TotalSteps int64
	// Progress is the fraction at the time of the event.
	Progress float64
	// Dur is the time elapsed since the handle was created.
	Dur time.Duration
	// Note carries low-volume context such as a worker error.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == [16]byte{} {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskStart, StageTaskProgress, StageTaskDone, StageTaskForced, StageTaskLateUpdate:
	case StageTaskError:
		if e.Note == "" {
			return errors.New("task error requires note")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.TotalSteps <= 0 {
		return errors.New("total steps must be > 0")
	}
	if math.IsNaN(e.Progress) {
		return errors.New("progress must be a number")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// TaskUUID converts the binary task ID to uuid.UUID for repositories.
func (e Event) TaskUUID() uuid.UUID {
	return uuid.UUID(e.TaskID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
