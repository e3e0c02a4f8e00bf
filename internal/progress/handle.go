package progress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind labels the type of task a handle tracks.
type Kind string

// Supported task kinds.
const (
	KindGeneric   Kind = "generic"
	KindTrain     Kind = "train"
	KindInference Kind = "inference"
	KindExport    Kind = "export"
)

var (
	// ErrInvalidTotalSteps is returned when a handle is created with a non-positive step count.
	ErrInvalidTotalSteps = errors.New("total steps must be > 0")
	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("worker already started")
	// ErrNotStarted is returned when Join or Wait is called on a registered worker that never started.
	ErrNotStarted = errors.New("worker not started")
)

// WorkerFunc performs the tracked task. It should report progress through the
// handle and return when the task ends or ctx is canceled.
type WorkerFunc func(ctx context.Context) error

// Clock abstracts time for remaining-time estimates.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Option customizes a Handle at construction.
type Option func(*Handle)

// WithLogger sets the logger used for late-update warnings and worker failures.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handle) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithClock overrides the clock; mostly useful in tests.
func WithClock(clock Clock) Option {
	return func(h *Handle) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithEmitter forwards lifecycle events to the emitter (usually a *Hub).
func WithEmitter(emitter Emitter) Option {
	return func(h *Handle) {
		h.emitter = emitter
	}
}

// WithID assigns a fixed task ID instead of a generated one.
func WithID(id uuid.UUID) Option {
	return func(h *Handle) {
		if id != uuid.Nil {
			h.id = id
		}
	}
}

// Handle tracks the progress of one asynchronous task. All methods are safe
// for concurrent use: the worker reports through Update while the owner polls.
type Handle struct {
	id         uuid.UUID
	kind       Kind
	totalSteps int
	startedAt  time.Time
	clock      Clock
	logger     *zap.Logger
	emitter    Emitter

	mu         sync.RWMutex
	step       int
	progress   float64
	finished   bool
	lateWarned bool

	runMu   sync.Mutex
	worker  WorkerFunc
	started bool
	done    chan struct{}
	runErr  error
}

// NewHandle creates a generic handle for a task of totalSteps steps. The start
// timestamp used for remaining-time estimates is taken here.
func NewHandle(totalSteps int, opts ...Option) (*Handle, error) {
	return newHandle(KindGeneric, totalSteps, opts...)
}

func newHandle(kind Kind, totalSteps int, opts ...Option) (*Handle, error) {
	if totalSteps <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTotalSteps, totalSteps)
	}
	h := &Handle{
		kind:       kind,
		totalSteps: totalSteps,
		clock:      wallClock{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.id == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate task id: %w", err)
		}
		h.id = id
	}
	h.startedAt = h.clock.Now()
	h.logger = h.logger.With(zap.String("task_id", h.id.String()), zap.String("kind", string(kind)))
	return h, nil
}

// ID returns the task identifier.
func (h *Handle) ID() uuid.UUID { return h.id }

// Kind returns the task kind.
func (h *Handle) Kind() Kind { return h.kind }

// TotalSteps returns the step count fixed at construction.
func (h *Handle) TotalSteps() int { return h.totalSteps }

// StartedAt returns the creation timestamp.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Progress returns the completed fraction (0..1).
func (h *Handle) Progress() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.progress
}

// Step returns the last reported step.
func (h *Handle) Step() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.step
}

// IsFinished reports whether the task has finished or was forced to finish.
func (h *Handle) IsFinished() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.finished
}

// RemainingTime estimates the seconds left by extrapolating the elapsed time
// over the remaining fraction. It returns +Inf while no progress was made.
func (h *Handle) RemainingTime() float64 {
	return h.remainingAt(h.Progress(), h.clock.Now())
}

// Remaining is the time.Duration form of RemainingTime. ok is false while the
// estimate is unknown.
func (h *Handle) Remaining() (d time.Duration, ok bool) {
	secs := h.RemainingTime()
	if math.IsInf(secs, 1) {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

func (h *Handle) remainingAt(progress float64, now time.Time) float64 {
	if progress == 0 {
		return math.Inf(1)
	}
	elapsed := now.Sub(h.startedAt).Seconds()
	return elapsed/progress - elapsed
}

// Update records step as the number of completed steps. Reaching totalSteps
// finishes the task. Updates after completion are ignored; the first one is
// logged as a warning.
func (h *Handle) Update(step int) {
	h.mu.Lock()
	if h.finished {
		current, warned := h.progress, h.lateWarned
		h.lateWarned = true
		h.mu.Unlock()
		if warned {
			h.logger.Debug("progress update after task finished", zap.Int("step", step))
		} else {
			h.logger.Warn("progress update after task finished", zap.Int("step", step))
		}
		h.emit(StageTaskLateUpdate, step, current, "update after finish")
		return
	}
	h.step = step
	h.progress = float64(step) / float64(h.totalSteps)
	stage := StageTaskProgress
	if step >= h.totalSteps {
		h.finished = true
		h.progress = 1
		stage = StageTaskDone
	}
	progress := h.progress
	h.mu.Unlock()

	h.emit(stage, step, progress, "")
	if stage == StageTaskDone {
		h.logger.Debug("task finished", zap.Int("step", step), zap.Int("total_steps", h.totalSteps))
	}
}

// recount sets the step and fraction directly, clamped to 1, without changing
// the finished flag.
func (h *Handle) recount(step int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.step = step
	h.progress = math.Min(float64(step)/float64(h.totalSteps), 1)
}

// ForceFinish marks the task finished regardless of progress. It does not stop
// the worker; cancel the context passed to Start for that.
func (h *Handle) ForceFinish() {
	h.mu.Lock()
	already := h.finished
	h.finished = true
	step, progress := h.step, h.progress
	h.mu.Unlock()
	if !already {
		h.emit(StageTaskForced, step, progress, "forced")
	}
}

// RegisterWorker attaches the function that performs the task. Registering
// after Start has no effect on the running worker.
func (h *Handle) RegisterWorker(fn WorkerFunc) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	h.worker = fn
}

// Start runs the registered worker on its own goroutine. It is a no-op when no
// worker is registered.
func (h *Handle) Start(ctx context.Context) error {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.worker == nil {
		return nil
	}
	if h.started {
		return ErrAlreadyStarted
	}
	h.started = true
	h.done = make(chan struct{})
	fn, done := h.worker, h.done

	h.emit(StageTaskStart, 0, h.Progress(), "")
	go func() {
		defer close(done)
		err := h.runWorker(ctx, fn)
		h.runMu.Lock()
		h.runErr = err
		h.runMu.Unlock()
		if err != nil {
			h.logger.Error("task worker failed", zap.Error(err))
			h.emit(StageTaskError, h.Step(), h.Progress(), err.Error())
		}
	}()
	return nil
}

func (h *Handle) runWorker(ctx context.Context, fn WorkerFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker panic: %v", rec)
		}
	}()
	return fn(ctx)
}

// Join blocks until the worker returns and reports its error. It is a no-op
// when no worker is registered.
func (h *Handle) Join() error {
	return h.Wait(context.Background())
}

// Wait is Join bounded by ctx.
func (h *Handle) Wait(ctx context.Context) error {
	h.runMu.Lock()
	worker, started, done := h.worker, h.started, h.done
	h.runMu.Unlock()
	if worker == nil && !started {
		return nil
	}
	if !started {
		return ErrNotStarted
	}
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for task worker: %w", ctx.Err())
	}
	h.runMu.Lock()
	defer h.runMu.Unlock()
	return h.runErr
}

// Done is closed once the started worker returns. It is nil before Start.
func (h *Handle) Done() <-chan struct{} {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	return h.done
}

// Exited reports whether a started worker has returned, successfully or not.
func (h *Handle) Exited() bool {
	done := h.Done()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Snapshot captures the handle state at a point in time.
func (h *Handle) Snapshot() Snapshot {
	now := h.clock.Now()
	h.mu.RLock()
	snap := Snapshot{
		ID:         h.id,
		Kind:       h.kind,
		TotalSteps: h.totalSteps,
		Step:       h.step,
		Progress:   h.progress,
		Finished:   h.finished,
		StartedAt:  h.startedAt,
		TakenAt:    now,
	}
	h.mu.RUnlock()
	snap.RemainingSeconds = h.remainingAt(snap.Progress, now)
	return snap
}

// Outputs returns the named output paths of the task; generic handles have none.
func (h *Handle) Outputs() map[string]string {
	return nil
}

func (h *Handle) emit(stage Stage, step int, progress float64, note string) {
	if h.emitter == nil {
		return
	}
	h.emitter.Emit(Event{
		TaskID:     UUIDToBytes(h.id),
		TS:         h.clock.Now(),
		Stage:      stage,
		Kind:       h.kind,
		Step:       int64(step),
		TotalSteps: int64(h.totalSteps),
		Progress:   progress,
		Dur:        h.clock.Now().Sub(h.startedAt),
		Note:       note,
	})
}

// Snapshot is a point-in-time view of a task, used by the registry and API.
type Snapshot struct {
	ID               uuid.UUID
	Kind             Kind
	TotalSteps       int
	Step             int
	Progress         float64
	Finished         bool
	StartedAt        time.Time
	TakenAt          time.Time
	RemainingSeconds float64
	Outputs          map[string]string
}

// Tracker is the read/force surface shared by every handle variant.
type Tracker interface {
	ID() uuid.UUID
	Kind() Kind
	Progress() float64
	IsFinished() bool
	Exited() bool
	RemainingTime() float64
	ForceFinish()
	Snapshot() Snapshot
	Outputs() map[string]string
}

var _ Tracker = (*Handle)(nil)
