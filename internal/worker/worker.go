// Package worker builds task handles with simulated workers for training,
// inference and export runs. Workers write real output files so the rest of
// the pipeline (metric file polling, artifact upload) runs end to end.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/metricfile"
	"github.com/JakeFAU/taskprogress/internal/progress"
)

// ErrSimulatedFailure is returned by workers configured with FailAt.
var ErrSimulatedFailure = errors.New("simulated task failure")

// IDSource produces task IDs.
type IDSource interface {
	NewRawID() (uuid.UUID, error)
}

// Clock provides wall time for handles and step timing.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Task is a handle whose worker can be started and awaited.
type Task interface {
	progress.Tracker
	Start(ctx context.Context) error
	Wait(ctx context.Context) error
}

// Config controls simulated worker behavior.
type Config struct {
	// StepInterval is the simulated duration of one step.
	StepInterval time.Duration `mapstructure:"step_interval"`
	// OutputDir is the parent of every task's output directory.
	OutputDir string `mapstructure:"output_dir"`
	// FailAt makes the worker fail when it reaches this step; 0 disables it.
	FailAt int `mapstructure:"fail_at"`
}

// Factory creates handles with their workers registered.
type Factory struct {
	ids     IDSource
	clock   Clock
	cfg     Config
	logger  *zap.Logger
	emitter progress.Emitter
}

// NewFactory validates the configuration and returns a Factory. emitter may be nil.
func NewFactory(ids IDSource, clock Clock, cfg Config, emitter progress.Emitter, logger *zap.Logger) (*Factory, error) {
	if ids == nil {
		return nil, errors.New("id source is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("output dir is required")
	}
	if cfg.StepInterval < 0 {
		return nil, errors.New("step interval must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{ids: ids, clock: clock, cfg: cfg, logger: logger, emitter: emitter}, nil
}

// Build dispatches on kind. Generic tasks report plain steps.
func (f *Factory) Build(kind progress.Kind, steps int) (Task, error) {
	var (
		task Task
		err  error
	)
	switch kind {
	case progress.KindTrain:
		task, err = f.Train(steps)
	case progress.KindInference:
		task, err = f.Inference(steps)
	case progress.KindExport:
		task, err = f.Export(steps)
	case progress.KindGeneric, "":
		task, err = f.Generic(steps)
	default:
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// prepare checks steps before touching the output directory so a rejected
// task leaves nothing behind.
func (f *Factory) prepare(kind progress.Kind, steps int) (uuid.UUID, string, []progress.Option, error) {
	if steps <= 0 {
		return uuid.Nil, "", nil, fmt.Errorf("%w: got %d", progress.ErrInvalidTotalSteps, steps)
	}
	id, err := f.ids.NewRawID()
	if err != nil {
		return uuid.Nil, "", nil, fmt.Errorf("new task id: %w", err)
	}
	dir := filepath.Join(f.cfg.OutputDir, string(kind), id.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return uuid.Nil, "", nil, fmt.Errorf("create task dir: %w", err)
	}
	opts := []progress.Option{
		progress.WithID(id),
		progress.WithClock(f.clock),
		progress.WithLogger(f.logger),
		progress.WithEmitter(f.emitter),
	}
	return id, dir, opts, nil
}

// Generic creates a plain handle whose worker counts through its steps.
func (f *Factory) Generic(steps int) (*progress.Handle, error) {
	id, _, opts, err := f.prepare(progress.KindGeneric, steps)
	if err != nil {
		return nil, err
	}
	h, err := progress.NewHandle(steps, opts...)
	if err != nil {
		return nil, err
	}
	logger := f.taskLogger(id, progress.KindGeneric)
	h.RegisterWorker(func(ctx context.Context) error {
		for step := 1; step <= steps; step++ {
			if err := f.step(ctx, step); err != nil {
				return err
			}
			h.Update(step)
		}
		logger.Debug("generic task complete")
		return nil
	})
	return h, nil
}

// Train creates a training handle whose progress is read from the metric
// file the worker appends to after every epoch.
func (f *Factory) Train(epochs int) (*progress.TrainHandle, error) {
	id, dir, opts, err := f.prepare(progress.KindTrain, epochs)
	if err != nil {
		return nil, err
	}
	logger := f.taskLogger(id, progress.KindTrain)
	metricPath := filepath.Join(dir, "metrics.yaml")
	h, err := progress.NewTrainHandle(epochs, metricfile.Reader(metricPath, logger), opts...)
	if err != nil {
		return nil, err
	}
	weights := filepath.Join(dir, "weights")
	h.SetResultDir(dir)
	h.SetMetricFile(metricPath)

	h.RegisterWorker(func(ctx context.Context) error {
		if err := os.MkdirAll(weights, 0o750); err != nil {
			return fmt.Errorf("create weights dir: %w", err)
		}
		best := 0.0
		for epoch := 1; epoch <= epochs; epoch++ {
			began := f.clock.Now()
			if err := f.step(ctx, epoch); err != nil {
				return err
			}
			loss := 1 / float64(epoch)
			accuracy := 1 - loss/2
			ckpt := fmt.Sprintf("epoch=%d loss=%.6f\n", epoch, loss)

			last := filepath.Join(weights, "last_ckpt.pt")
			if err := writeFile(last, []byte(ckpt)); err != nil {
				return err
			}
			h.SetLastCheckpoint(last)
			if accuracy > best {
				best = accuracy
				bestPath := filepath.Join(weights, "best_ckpt.pt")
				if err := writeFile(bestPath, []byte(ckpt)); err != nil {
					return err
				}
				h.SetBestCheckpoint(bestPath)
			}
			if err := metricfile.Append(metricPath, progress.EpochMetrics{
				{Tag: "train_loss", Value: loss},
				{Tag: "val_accuracy", Value: accuracy},
			}); err != nil {
				return fmt.Errorf("append epoch metrics: %w", err)
			}
			logger.Debug("epoch complete",
				zap.Int("epoch", epoch),
				zap.Float64("train_loss", loss),
				zap.Duration("took", f.clock.Since(began)),
			)
			// Polling recounts the metric file; this is what moves progress.
			h.Progress()
		}
		return nil
	})
	return h, nil
}

type prediction struct {
	Index int     `json:"index"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Inference creates an inference handle whose worker writes one result and
// one rendering per input.
func (f *Factory) Inference(inputs int) (*progress.InferenceHandle, error) {
	id, dir, opts, err := f.prepare(progress.KindInference, inputs)
	if err != nil {
		return nil, err
	}
	h, err := progress.NewInferenceHandle(inputs, opts...)
	if err != nil {
		return nil, err
	}
	logger := f.taskLogger(id, progress.KindInference)
	resultDir := filepath.Join(dir, "results")
	drawDir := filepath.Join(dir, "draw")
	h.SetInferenceDir(resultDir)
	h.SetDrawDir(drawDir)

	h.RegisterWorker(func(ctx context.Context) error {
		for _, d := range []string{resultDir, drawDir} {
			if err := os.MkdirAll(d, 0o750); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
		}
		for i := 1; i <= inputs; i++ {
			if err := f.step(ctx, i); err != nil {
				return err
			}
			pred := prediction{Index: i, Label: fmt.Sprintf("class_%d", i%3), Score: 1 - 1/float64(i+1)}
			body, err := json.Marshal(pred)
			if err != nil {
				return fmt.Errorf("encode prediction: %w", err)
			}
			if err := writeFile(filepath.Join(resultDir, fmt.Sprintf("%06d.json", i)), body); err != nil {
				return err
			}
			drawing := fmt.Sprintf("[%s %.2f]\n", pred.Label, pred.Score)
			if err := writeFile(filepath.Join(drawDir, fmt.Sprintf("%06d.txt", i)), []byte(drawing)); err != nil {
				return err
			}
			h.Update(i)
		}
		logger.Debug("inference complete", zap.Int("inputs", inputs))
		return nil
	})
	return h, nil
}

// Export creates an export handle whose worker writes the exported model
// once every step is done.
func (f *Factory) Export(steps int) (*progress.ExportHandle, error) {
	id, dir, opts, err := f.prepare(progress.KindExport, steps)
	if err != nil {
		return nil, err
	}
	h, err := progress.NewExportHandle(steps, opts...)
	if err != nil {
		return nil, err
	}
	logger := f.taskLogger(id, progress.KindExport)
	out := filepath.Join(dir, "model.onnx")

	h.RegisterWorker(func(ctx context.Context) error {
		for step := 1; step <= steps; step++ {
			if err := f.step(ctx, step); err != nil {
				return err
			}
			if step == steps {
				if err := writeFile(out, []byte("onnx:"+id.String()+"\n")); err != nil {
					return err
				}
				h.SetExportFile(out)
			}
			h.Update(step)
		}
		logger.Debug("export complete", zap.String("export_file", out))
		return nil
	})
	return h, nil
}

func (f *Factory) taskLogger(id uuid.UUID, kind progress.Kind) *zap.Logger {
	return f.logger.With(zap.String("task_id", id.String()), zap.String("kind", string(kind)))
}

// step waits one interval and applies the configured failure.
func (f *Factory) step(ctx context.Context, n int) error {
	if err := pause(ctx, f.cfg.StepInterval); err != nil {
		return err
	}
	if f.cfg.FailAt > 0 && n == f.cfg.FailAt {
		return fmt.Errorf("%w at step %d", ErrSimulatedFailure, n)
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("task canceled: %w", err)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("task canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func writeFile(path string, body []byte) error {
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
