package gcs_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/taskprogress/internal/storage/gcs"
)

func newTestStore(t *testing.T, cfg gcs.Config, handler http.Handler) *gcs.BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = gcs.New(client, gcs.Config{})
	assert.Error(t, err)
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	data := []byte("checkpoint-bytes")
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/artifacts/o")
		assert.Equal(t, "runs/task-1/best_ckpt_file/best.pt", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(data))
		fmt.Fprintln(w, `{"name":"runs/task-1/best_ckpt_file/best.pt","bucket":"artifacts"}`)
	})
	store := newTestStore(t, gcs.Config{Bucket: "artifacts", Prefix: "/runs/"}, handler)

	uri, err := store.PutObject(context.Background(), "task-1/best_ckpt_file/best.pt", "application/octet-stream", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "gs://artifacts/runs/task-1/best_ckpt_file/best.pt", uri)
}

func TestPutObjectServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, gcs.Config{Bucket: "artifacts"}, handler)

	_, err := store.PutObject(context.Background(), "task-1/export_file/model.onnx", "", bytes.NewReader([]byte("x")))
	assert.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	store := newTestStore(t, gcs.Config{Bucket: "artifacts"}, http.NotFoundHandler())
	_, err := store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	assert.Error(t, err)
}
