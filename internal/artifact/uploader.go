// Package artifact copies the output files of finished tasks to a blob store.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/progress"
)

// BlobStore persists artifact content and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher digests artifact content.
type Hasher interface {
	HashReader(r io.Reader) (string, int64, error)
}

// Upload describes one stored file.
type Upload struct {
	Output    string `json:"output"`
	LocalPath string `json:"local_path"`
	URI       string `json:"uri"`
	SHA256    string `json:"sha256"`
	Size      int64  `json:"size"`
}

// Manifest lists every file uploaded for a task.
type Manifest struct {
	TaskID     string    `json:"task_id"`
	Kind       string    `json:"kind"`
	Finished   bool      `json:"finished"`
	Progress   float64   `json:"progress"`
	UploadedAt time.Time `json:"uploaded_at"`
	Files      []Upload  `json:"files"`
}

// ManifestName is the object name of the manifest under the task prefix.
const ManifestName = "manifest.json"

// Uploader walks a task's outputs and writes them to a BlobStore.
type Uploader struct {
	store  BlobStore
	hasher Hasher
	logger *zap.Logger
	now    func() time.Time
}

// NewUploader validates dependencies and returns an Uploader.
func NewUploader(store BlobStore, hasher Hasher, logger *zap.Logger) (*Uploader, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{store: store, hasher: hasher, logger: logger, now: time.Now}, nil
}

// Upload stores every file named by the tracker's outputs under
// <task_id>/<output>/ and finishes with a manifest. Outputs that do not exist
// on disk are skipped.
func (u *Uploader) Upload(ctx context.Context, task progress.Tracker) (Manifest, error) {
	snap := task.Snapshot()
	taskID := snap.ID.String()
	logger := u.logger.With(zap.String("task_id", taskID), zap.String("kind", string(snap.Kind)))

	names := make([]string, 0, len(snap.Outputs))
	for name := range snap.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	manifest := Manifest{
		TaskID:   taskID,
		Kind:     string(snap.Kind),
		Finished: snap.Finished,
		Progress: snap.Progress,
		Files:    []Upload{},
	}
	for _, name := range names {
		local := snap.Outputs[name]
		info, err := os.Stat(local)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("skipping missing output", zap.String("output", name), zap.String("path", local))
			continue
		}
		if err != nil {
			return manifest, fmt.Errorf("stat output %s: %w", name, err)
		}
		prefix := path.Join(taskID, name)
		if !info.IsDir() {
			up, err := u.uploadFile(ctx, name, local, path.Join(prefix, filepath.Base(local)))
			if err != nil {
				return manifest, err
			}
			manifest.Files = append(manifest.Files, up)
			continue
		}
		err = filepath.WalkDir(local, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(local, p)
			if err != nil {
				return fmt.Errorf("relative path: %w", err)
			}
			up, err := u.uploadFile(ctx, name, p, path.Join(prefix, filepath.ToSlash(rel)))
			if err != nil {
				return err
			}
			manifest.Files = append(manifest.Files, up)
			return nil
		})
		if err != nil {
			return manifest, fmt.Errorf("walk output %s: %w", name, err)
		}
	}

	manifest.UploadedAt = u.now().UTC()
	body, err := json.Marshal(manifest)
	if err != nil {
		return manifest, fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := u.store.PutObject(ctx, path.Join(taskID, ManifestName), "application/json", bytes.NewReader(body)); err != nil {
		return manifest, fmt.Errorf("put manifest: %w", err)
	}
	logger.Info("uploaded task outputs", zap.Int("files", len(manifest.Files)))
	return manifest, nil
}

func (u *Uploader) uploadFile(ctx context.Context, output, local, object string) (Upload, error) {
	if err := ctx.Err(); err != nil {
		return Upload{}, fmt.Errorf("upload %s: %w", local, err)
	}
	// #nosec G304 -- local comes from the task's own output paths.
	f, err := os.Open(local)
	if err != nil {
		return Upload{}, fmt.Errorf("open %s: %w", local, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			u.logger.Warn("close artifact", zap.String("path", local), zap.Error(cerr))
		}
	}()

	digest, size, err := u.hasher.HashReader(f)
	if err != nil {
		return Upload{}, fmt.Errorf("hash %s: %w", local, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Upload{}, fmt.Errorf("rewind %s: %w", local, err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(local))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	uri, err := u.store.PutObject(ctx, object, contentType, f)
	if err != nil {
		return Upload{}, fmt.Errorf("put %s: %w", object, err)
	}
	u.logger.Debug("uploaded artifact",
		zap.String("output", output),
		zap.String("uri", uri),
		zap.Int64("size", size),
	)
	return Upload{Output: output, LocalPath: local, URI: uri, SHA256: digest, Size: size}, nil
}
