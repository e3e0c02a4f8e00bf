// Package metricfile reads and appends the per-epoch metric log that a
// training worker writes next to its results. The file is a YAML sequence of
// epochs, each a sequence of {tag, value} records.
package metricfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/taskprogress/internal/progress"
)

// Load parses the metric file at path. A missing file yields no epochs.
func Load(path string) ([]progress.EpochMetrics, error) {
	// #nosec G304 -- path is the task's own metric file.
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metric file: %w", err)
	}
	var epochs []progress.EpochMetrics
	if err := yaml.Unmarshal(data, &epochs); err != nil {
		return nil, fmt.Errorf("parsing metric file: %w", err)
	}
	return epochs, nil
}

// Append adds one epoch to the file, creating it when needed. The file is
// replaced atomically so concurrent readers never observe a partial write.
func Append(path string, epoch progress.EpochMetrics) error {
	epochs, err := Load(path)
	if err != nil {
		return err
	}
	if epoch == nil {
		epoch = progress.EpochMetrics{}
	}
	epochs = append(epochs, epoch)
	data, err := yaml.Marshal(epochs)
	if err != nil {
		return fmt.Errorf("encoding metric file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating metric dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".metrics-*")
	if err != nil {
		return fmt.Errorf("creating temp metric file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing metric file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing metric file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing metric file: %w", err)
	}
	return nil
}

// Reader returns a progress.MetricFunc backed by the file at path. Read or
// parse failures are logged and the last good records are returned instead.
func Reader(path string, logger *zap.Logger) progress.MetricFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		mu   sync.Mutex
		last []progress.EpochMetrics
	)
	return func() []progress.EpochMetrics {
		epochs, err := Load(path)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			logger.Warn("metric file unreadable", zap.String("path", path), zap.Error(err))
			return last
		}
		last = epochs
		return epochs
	}
}
