package progress

import (
	"sync"
)

// Metric is one named value recorded during an epoch (loss, accuracy, ...).
type Metric struct {
	Tag   string  `yaml:"tag" json:"tag"`
	Value float64 `yaml:"value" json:"value"`
}

// EpochMetrics holds the metrics recorded for a single epoch.
type EpochMetrics []Metric

// MetricFunc returns every epoch recorded so far, oldest first.
type MetricFunc func() []EpochMetrics

// TrainHandle tracks a training run. Its progress is derived from the number
// of recorded epochs instead of explicit updates.
type TrainHandle struct {
	*Handle

	metrics MetricFunc

	pathMu       sync.RWMutex
	bestCkptFile string
	lastCkptFile string
	resultDir    string
	metricFile   string
}

// NewTrainHandle creates a handle for a training run of totalEpochs epochs.
// metrics may be nil, in which case progress only moves via Update.
func NewTrainHandle(totalEpochs int, metrics MetricFunc, opts ...Option) (*TrainHandle, error) {
	h, err := newHandle(KindTrain, totalEpochs, opts...)
	if err != nil {
		return nil, err
	}
	return &TrainHandle{Handle: h, metrics: metrics}, nil
}

// Metrics returns the records reported by the metric accessor.
func (t *TrainHandle) Metrics() []EpochMetrics {
	if t.metrics == nil {
		return nil
	}
	return t.metrics()
}

// Progress recounts the recorded epochs and feeds the count into Update.
func (t *TrainHandle) Progress() float64 {
	t.refresh()
	return t.Handle.Progress()
}

// RemainingTime refreshes progress from the metric records before estimating.
func (t *TrainHandle) RemainingTime() float64 {
	t.refresh()
	return t.Handle.RemainingTime()
}

// Snapshot refreshes progress and attaches the training outputs.
func (t *TrainHandle) Snapshot() Snapshot {
	t.refresh()
	snap := t.Handle.Snapshot()
	snap.Outputs = t.Outputs()
	return snap
}

// refresh feeds the live record count into Update and recomputes the fraction
// from it, so records written after ForceFinish still move the estimate. A
// finished handle whose count has not changed is left alone.
func (t *TrainHandle) refresh() {
	if t.metrics == nil {
		return
	}
	epochs := len(t.metrics())
	if t.Handle.IsFinished() && epochs == t.Handle.Step() {
		return
	}
	t.Update(epochs)
	t.recount(epochs)
}

// BestCheckpoint returns the path of the best checkpoint.
func (t *TrainHandle) BestCheckpoint() string {
	t.pathMu.RLock()
	defer t.pathMu.RUnlock()
	return t.bestCkptFile
}

// SetBestCheckpoint records the path of the best checkpoint.
func (t *TrainHandle) SetBestCheckpoint(path string) {
	t.pathMu.Lock()
	defer t.pathMu.Unlock()
	t.bestCkptFile = path
}

// LastCheckpoint returns the path of the most recent checkpoint.
func (t *TrainHandle) LastCheckpoint() string {
	t.pathMu.RLock()
	defer t.pathMu.RUnlock()
	return t.lastCkptFile
}

// SetLastCheckpoint records the path of the most recent checkpoint.
func (t *TrainHandle) SetLastCheckpoint(path string) {
	t.pathMu.Lock()
	defer t.pathMu.Unlock()
	t.lastCkptFile = path
}

// ResultDir returns the training result directory.
func (t *TrainHandle) ResultDir() string {
	t.pathMu.RLock()
	defer t.pathMu.RUnlock()
	return t.resultDir
}

// SetResultDir records the training result directory.
func (t *TrainHandle) SetResultDir(path string) {
	t.pathMu.Lock()
	defer t.pathMu.Unlock()
	t.resultDir = path
}

// MetricFile returns the path of the metric file.
func (t *TrainHandle) MetricFile() string {
	t.pathMu.RLock()
	defer t.pathMu.RUnlock()
	return t.metricFile
}

// SetMetricFile records the path of the metric file.
func (t *TrainHandle) SetMetricFile(path string) {
	t.pathMu.Lock()
	defer t.pathMu.Unlock()
	t.metricFile = path
}

// Outputs lists the non-empty output paths keyed by name.
func (t *TrainHandle) Outputs() map[string]string {
	t.pathMu.RLock()
	defer t.pathMu.RUnlock()
	return compactPaths(map[string]string{
		"best_ckpt_file": t.bestCkptFile,
		"last_ckpt_file": t.lastCkptFile,
		"result_dir":     t.resultDir,
		"metric_file":    t.metricFile,
	})
}

func compactPaths(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for name, path := range in {
		if path != "" {
			out[name] = path
		}
	}
	return out
}

var _ Tracker = (*TrainHandle)(nil)
