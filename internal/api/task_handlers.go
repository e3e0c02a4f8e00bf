package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/metrics"
	"github.com/JakeFAU/taskprogress/internal/progress"
	"github.com/JakeFAU/taskprogress/internal/registry"
)

const launchTimeout = 5 * time.Second

// TaskHandler exposes the live task handles tracked by this process.
type TaskHandler struct {
	tasks    TaskSource
	launcher Launcher
	logger   *zap.Logger
}

// NewTaskHandler wires the task source, launcher, and logger.
func NewTaskHandler(tasks TaskSource, launcher Launcher, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{tasks: tasks, launcher: launcher, logger: logger}
}

// ListTasks handles GET /api/tasks?kind=&finished=. It returns
// {"tasks": [...]} newest first.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task registry unavailable")
		return
	}
	q := r.URL.Query()
	kind := strings.ToLower(strings.TrimSpace(q.Get("kind")))
	var finished *bool
	switch strings.ToLower(q.Get("finished")) {
	case "":
	case "true", "1":
		v := true
		finished = &v
	case "false", "0":
		v := false
		finished = &v
	default:
		writeError(w, http.StatusBadRequest, "invalid finished filter")
		return
	}

	out := []taskDTO{}
	for _, snap := range h.tasks.Snapshots() {
		if kind != "" && string(snap.Kind) != kind {
			continue
		}
		if finished != nil && snap.Finished != *finished {
			continue
		}
		out = append(out, toTaskDTO(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

// GetTask handles GET /api/tasks/{task_id}. It returns {"task": {...}}, 400
// for malformed IDs, or 404 when the task is not tracked.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	tracker, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": toTaskDTO(tracker.Snapshot())})
}

// FinishTask handles POST /api/tasks/{task_id}/finish. It force-finishes the
// task and returns its snapshot; finishing an already finished task is not an
// error.
func (h *TaskHandler) FinishTask(w http.ResponseWriter, r *http.Request) {
	tracker, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if !tracker.IsFinished() {
		tracker.ForceFinish()
		metrics.ObserveForceFinish(string(tracker.Kind()))
		h.logger.Info("task force-finished via API",
			zap.String("task_id", tracker.ID().String()),
			zap.String("request_id", RequestID(r.Context())),
		)
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": toTaskDTO(tracker.Snapshot())})
}

// LaunchTask handles POST /api/tasks with body {"template": "<name>"}. It
// returns 202 with the new task, 404 for unknown templates, or 503 when no
// launcher is configured or it is saturated.
func (h *TaskHandler) LaunchTask(w http.ResponseWriter, r *http.Request) {
	if h.launcher == nil {
		writeError(w, http.StatusServiceUnavailable, "task launcher unavailable")
		return
	}
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Template) == "" {
		writeError(w, http.StatusBadRequest, "missing template name")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), launchTimeout)
	defer cancel()
	snap, err := h.launcher.Launch(ctx, req.Template)
	if err != nil {
		if errors.Is(err, ErrUnknownTemplate) {
			writeError(w, http.StatusNotFound, "task template not found")
			return
		}
		if errors.Is(err, ErrLauncherBusy) {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "too many tasks queued")
			return
		}
		h.logger.Error("launch task failed", zap.String("template", req.Template), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to launch task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task": toTaskDTO(snap)})
}

func (h *TaskHandler) lookup(w http.ResponseWriter, r *http.Request) (progress.Tracker, bool) {
	if h.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task registry unavailable")
		return nil, false
	}
	taskID, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	tracker, err := h.tasks.Get(taskID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return nil, false
		}
		h.logger.Error("get task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return nil, false
	}
	return tracker, true
}

func parseTaskID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "task_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("task_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid task_id")
	}
	return id, nil
}

type launchRequest struct {
	Template string `json:"template"`
}

// taskDTO is the wire form of progress.Snapshot. RemainingSeconds is null
// while the estimate is unknown since JSON has no infinity.
type taskDTO struct {
	ID               string            `json:"task_id"`
	Kind             string            `json:"kind"`
	TotalSteps       int               `json:"total_steps"`
	Step             int               `json:"step"`
	Progress         float64           `json:"progress"`
	Finished         bool              `json:"finished"`
	StartedAt        time.Time         `json:"started_at"`
	ElapsedSeconds   float64           `json:"elapsed_seconds"`
	RemainingSeconds *float64          `json:"remaining_seconds"`
	Outputs          map[string]string `json:"outputs,omitempty"`
	OutputNames      []string          `json:"output_names,omitempty"`
}

func toTaskDTO(snap progress.Snapshot) taskDTO {
	dto := taskDTO{
		ID:             snap.ID.String(),
		Kind:           string(snap.Kind),
		TotalSteps:     snap.TotalSteps,
		Step:           snap.Step,
		Progress:       snap.Progress,
		Finished:       snap.Finished,
		StartedAt:      snap.StartedAt,
		ElapsedSeconds: snap.TakenAt.Sub(snap.StartedAt).Seconds(),
		Outputs:        snap.Outputs,
	}
	if !math.IsInf(snap.RemainingSeconds, 0) && !math.IsNaN(snap.RemainingSeconds) {
		remaining := math.Max(snap.RemainingSeconds, 0)
		dto.RemainingSeconds = &remaining
	}
	if len(snap.Outputs) > 0 {
		for name := range snap.Outputs {
			dto.OutputNames = append(dto.OutputNames, name)
		}
		sort.Strings(dto.OutputNames)
	}
	return dto
}
