// Package dispatcher runs queued jobs on a fixed pool of goroutines.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/queue/memory"
)

// ErrBusy is returned by Submit when every slot and queue position is taken.
var ErrBusy = errors.New("dispatcher queue is full")

// Job is one unit of work. It receives the dispatcher's run context.
type Job func(ctx context.Context)

// Dispatcher fans queued jobs out to a pool of runners.
type Dispatcher struct {
	queue   *memory.Queue[Job]
	workers int
	logger  *zap.Logger
}

// New creates a Dispatcher with the given number of runners and pending
// queue depth. Non-positive workers run one job at a time.
func New(workers, queueDepth int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   memory.NewQueue[Job](queueDepth),
		workers: workers,
		logger:  logger,
	}
}

// Run starts all runners and blocks until the context finishes and every
// in-flight job has returned. Jobs still queued at that point are dropped.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			d.runner(ctx, index)
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
	if n := d.queue.Len(); n > 0 {
		d.logger.Warn("dropping queued jobs at shutdown", zap.Int("count", n))
	}
	d.queue.Close()
}

func (d *Dispatcher) runner(ctx context.Context, index int) {
	for {
		job, err := d.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		d.logger.Debug("job picked up", zap.Int("runner", index))
		job(ctx)
	}
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	if job == nil {
		return errors.New("job is required")
	}
	if err := d.queue.TryEnqueue(job); err != nil {
		if errors.Is(err, memory.ErrFull) {
			return ErrBusy
		}
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Pending reports how many jobs wait for a runner.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}
