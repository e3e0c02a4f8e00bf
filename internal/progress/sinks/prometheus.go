package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/taskprogress/internal/progress"
)

// PrometheusSink exports task progress via Prometheus. It owns the collectors
// for started/completed/running tasks, the per-task progress gauge, and
// late-update counts.
type PrometheusSink struct {
	tasksStarted   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksRunning   *prometheus.GaugeVec
	taskProgress   *prometheus.GaugeVec
	taskRuntime    *prometheus.HistogramVec
	lateUpdates    *prometheus.CounterVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskprogress_tasks_started_total",
			Help: "Tasks whose worker has started, by kind.",
		}, []string{"kind"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskprogress_tasks_completed_total",
			Help: "Tasks that reached a terminal state, by kind and result.",
		}, []string{"kind", "result"}),
		tasksRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskprogress_tasks_running",
			Help: "Tasks currently running, by kind.",
		}, []string{"kind"}),
		taskProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskprogress_task_progress_ratio",
			Help: "Latest progress fraction of each running task.",
		}, []string{"task_id", "kind"}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskprogress_task_runtime_seconds",
			Help:    "Wall time per completed task.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"kind", "result"}),
		lateUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskprogress_late_updates_total",
			Help: "Progress updates received after a task finished.",
		}, []string{"kind"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksStarted,
		s.tasksCompleted,
		s.tasksRunning,
		s.taskProgress,
		s.taskRuntime,
		s.lateUpdates,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register task collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	kind := string(evt.Kind)
	if kind == "" {
		kind = string(progress.KindGeneric)
	}
	taskID := evt.TaskUUID().String()
	switch evt.Stage {
	case progress.StageTaskStart:
		s.tasksStarted.WithLabelValues(kind).Inc()
		if s.tracker.start(evt.TaskID) {
			s.tasksRunning.WithLabelValues(kind).Inc()
		}
		s.taskProgress.WithLabelValues(taskID, kind).Set(evt.Progress)
	case progress.StageTaskProgress:
		s.taskProgress.WithLabelValues(taskID, kind).Set(evt.Progress)
	case progress.StageTaskDone, progress.StageTaskForced, progress.StageTaskError:
		result := resultLabel(evt.Stage)
		s.tasksCompleted.WithLabelValues(kind, result).Inc()
		if evt.Dur > 0 {
			s.taskRuntime.WithLabelValues(kind, result).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.TaskID) {
			s.tasksRunning.WithLabelValues(kind).Dec()
		}
		s.taskProgress.DeleteLabelValues(taskID, kind)
	case progress.StageTaskLateUpdate:
		s.lateUpdates.WithLabelValues(kind).Inc()
	}
}

func resultLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageTaskForced:
		return "forced"
	case progress.StageTaskError:
		return "error"
	default:
		return "success"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type taskTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[uuid.UUID]struct{})}
}

func (t *taskTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
