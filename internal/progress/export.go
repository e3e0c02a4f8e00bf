package progress

import "sync"

// ExportHandle tracks a model export.
type ExportHandle struct {
	*Handle

	pathMu     sync.RWMutex
	exportFile string
}

// NewExportHandle creates a handle for an export of totalSteps steps.
func NewExportHandle(totalSteps int, opts ...Option) (*ExportHandle, error) {
	h, err := newHandle(KindExport, totalSteps, opts...)
	if err != nil {
		return nil, err
	}
	return &ExportHandle{Handle: h}, nil
}

// ExportFile returns the path of the exported file.
func (e *ExportHandle) ExportFile() string {
	e.pathMu.RLock()
	defer e.pathMu.RUnlock()
	return e.exportFile
}

// SetExportFile records the path of the exported file.
func (e *ExportHandle) SetExportFile(path string) {
	e.pathMu.Lock()
	defer e.pathMu.Unlock()
	e.exportFile = path
}

// Outputs lists the non-empty output paths keyed by name.
func (e *ExportHandle) Outputs() map[string]string {
	e.pathMu.RLock()
	defer e.pathMu.RUnlock()
	return compactPaths(map[string]string{"export_file": e.exportFile})
}

// Snapshot attaches the export output to the base snapshot.
func (e *ExportHandle) Snapshot() Snapshot {
	snap := e.Handle.Snapshot()
	snap.Outputs = e.Outputs()
	return snap
}

var _ Tracker = (*ExportHandle)(nil)
