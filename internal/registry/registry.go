// Package registry keeps the live task handles a process is tracking so the
// HTTP API can poll or force-finish them by ID.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/taskprogress/internal/progress"
)

var (
	// ErrNotFound is returned when no task is registered under an ID.
	ErrNotFound = errors.New("task not found")
	// ErrDuplicate is returned when a task ID is registered twice.
	ErrDuplicate = errors.New("task already registered")
)

// Registry is a concurrency-safe map of task ID to tracker.
type Registry struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]progress.Tracker
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tasks: make(map[uuid.UUID]progress.Tracker)}
}

// Add registers t under its ID.
func (r *Registry) Add(t progress.Tracker) error {
	if t == nil {
		return errors.New("tracker is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, t.ID())
	}
	r.tasks[t.ID()] = t
	return nil
}

// Get returns the tracker registered under id.
func (r *Registry) Get(id uuid.UUID) (progress.Tracker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Remove drops id from the registry; removing an unknown ID is a no-op.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// Len reports how many tasks are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Snapshots returns a snapshot of every task ordered by start time, newest
// first. Trackers are polled outside the registry lock.
func (r *Registry) Snapshots() []progress.Snapshot {
	r.mu.RLock()
	trackers := make([]progress.Tracker, 0, len(r.tasks))
	for _, t := range r.tasks {
		trackers = append(trackers, t)
	}
	r.mu.RUnlock()

	out := make([]progress.Snapshot, 0, len(trackers))
	for _, t := range trackers {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// PruneFinished removes tasks that finished or whose worker returned, failed
// workers included, and reports how many were dropped.
func (r *Registry) PruneFinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, t := range r.tasks {
		if t.IsFinished() || t.Exited() {
			delete(r.tasks, id)
			n++
		}
	}
	return n
}
