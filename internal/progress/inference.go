package progress

import "sync"

// InferenceHandle tracks an inference run over a fixed number of inputs.
type InferenceHandle struct {
	*Handle

	pathMu       sync.RWMutex
	inferenceDir string
	drawDir      string
}

// NewInferenceHandle creates a handle for an inference run of totalSteps inputs.
func NewInferenceHandle(totalSteps int, opts ...Option) (*InferenceHandle, error) {
	h, err := newHandle(KindInference, totalSteps, opts...)
	if err != nil {
		return nil, err
	}
	return &InferenceHandle{Handle: h}, nil
}

// InferenceDir returns the directory holding inference results.
func (i *InferenceHandle) InferenceDir() string {
	i.pathMu.RLock()
	defer i.pathMu.RUnlock()
	return i.inferenceDir
}

// SetInferenceDir records the directory holding inference results.
func (i *InferenceHandle) SetInferenceDir(path string) {
	i.pathMu.Lock()
	defer i.pathMu.Unlock()
	i.inferenceDir = path
}

// DrawDir returns the directory holding rendered visualizations.
func (i *InferenceHandle) DrawDir() string {
	i.pathMu.RLock()
	defer i.pathMu.RUnlock()
	return i.drawDir
}

// SetDrawDir records the directory holding rendered visualizations.
func (i *InferenceHandle) SetDrawDir(path string) {
	i.pathMu.Lock()
	defer i.pathMu.Unlock()
	i.drawDir = path
}

// Outputs lists the non-empty output paths keyed by name.
func (i *InferenceHandle) Outputs() map[string]string {
	i.pathMu.RLock()
	defer i.pathMu.RUnlock()
	return compactPaths(map[string]string{
		"inference_dir": i.inferenceDir,
		"draw_dir":      i.drawDir,
	})
}

// Snapshot attaches the inference outputs to the base snapshot.
func (i *InferenceHandle) Snapshot() Snapshot {
	snap := i.Handle.Snapshot()
	snap.Outputs = i.Outputs()
	return snap
}

var _ Tracker = (*InferenceHandle)(nil)
