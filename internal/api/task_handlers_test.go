package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/config"
	"github.com/JakeFAU/taskprogress/internal/progress"
	"github.com/JakeFAU/taskprogress/internal/registry"
)

type fakeLauncher struct {
	tasks *registry.Registry
	err   error
}

func (f *fakeLauncher) Launch(_ context.Context, template string) (progress.Snapshot, error) {
	if f.err != nil {
		return progress.Snapshot{}, f.err
	}
	if template != "nightly-export" {
		return progress.Snapshot{}, ErrUnknownTemplate
	}
	h, err := progress.NewExportHandle(3)
	if err != nil {
		return progress.Snapshot{}, err
	}
	if err := f.tasks.Add(h); err != nil {
		return progress.Snapshot{}, err
	}
	return h.Snapshot(), nil
}

type taskEnvelope struct {
	Task struct {
		ID               string            `json:"task_id"`
		Kind             string            `json:"kind"`
		Step             int               `json:"step"`
		Progress         float64           `json:"progress"`
		Finished         bool              `json:"finished"`
		RemainingSeconds *float64          `json:"remaining_seconds"`
		Outputs          map[string]string `json:"outputs"`
	} `json:"task"`
}

func serve(t *testing.T, srv *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestTaskHandlerGetTask(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	h, err := progress.NewInferenceHandle(4)
	require.NoError(t, err)
	h.SetInferenceDir("/out/results")
	require.NoError(t, reg.Add(h))
	srv := newTestServer(t, reg)

	rec := serve(t, srv, http.MethodGet, "/api/tasks/"+h.ID().String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body taskEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, h.ID().String(), body.Task.ID)
	require.Equal(t, "inference", body.Task.Kind)
	require.Nil(t, body.Task.RemainingSeconds)
	require.Equal(t, map[string]string{"inference_dir": "/out/results"}, body.Task.Outputs)

	h.Update(2)
	rec = serve(t, srv, http.MethodGet, "/api/tasks/"+h.ID().String(), nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.InDelta(t, 0.5, body.Task.Progress, 1e-12)
	require.NotNil(t, body.Task.RemainingSeconds)
}

func TestTaskHandlerGetTaskErrors(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, registry.New())
	require.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodGet, "/api/tasks/not-a-uuid", nil).Code)
	require.Equal(t, http.StatusNotFound, serve(t, srv, http.MethodGet, "/api/tasks/"+uuid.NewString(), nil).Code)

	noRegistry := NewServer(nil, nil, nil, config.Config{}, zap.NewNop())
	require.Equal(t, http.StatusServiceUnavailable, serve(t, noRegistry, http.MethodGet, "/api/tasks", nil).Code)
}

func TestTaskHandlerListFilters(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	train, err := progress.NewTrainHandle(2, nil)
	require.NoError(t, err)
	export, err := progress.NewExportHandle(1)
	require.NoError(t, err)
	export.Update(1)
	require.NoError(t, reg.Add(train))
	require.NoError(t, reg.Add(export))
	srv := newTestServer(t, reg)

	var body struct {
		Tasks []map[string]any `json:"tasks"`
	}
	rec := serve(t, srv, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 2)

	rec = serve(t, srv, http.MethodGet, "/api/tasks?finished=false", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 1)
	require.Equal(t, "train", body.Tasks[0]["kind"])

	rec = serve(t, srv, http.MethodGet, "/api/tasks?kind=export", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 1)
	require.Equal(t, true, body.Tasks[0]["finished"])

	require.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodGet, "/api/tasks?finished=maybe", nil).Code)
}

func TestTaskHandlerFinishTask(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	h, err := progress.NewHandle(10)
	require.NoError(t, err)
	h.Update(3)
	require.NoError(t, reg.Add(h))
	srv := newTestServer(t, reg)

	rec := serve(t, srv, http.MethodPost, "/api/tasks/"+h.ID().String()+"/finish", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body taskEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Task.Finished)
	require.InDelta(t, 0.3, body.Task.Progress, 1e-12)
	require.True(t, h.IsFinished())

	rec = serve(t, srv, http.MethodPost, "/api/tasks/"+h.ID().String()+"/finish", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTaskHandlerLaunchTask(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	srv := NewServer(reg, nil, &fakeLauncher{tasks: reg}, config.Config{}, zap.NewNop())

	rec := serve(t, srv, http.MethodPost, "/api/tasks", []byte(`{"template":"nightly-export"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body taskEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "export", body.Task.Kind)
	require.Equal(t, 1, reg.Len())

	require.Equal(t, http.StatusNotFound, serve(t, srv, http.MethodPost, "/api/tasks", []byte(`{"template":"missing"}`)).Code)
	require.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodPost, "/api/tasks", []byte(`{invalid`)).Code)

	failing := NewServer(reg, nil, &fakeLauncher{tasks: reg, err: errors.New("disk full")}, config.Config{}, zap.NewNop())
	require.Equal(t, http.StatusInternalServerError,
		serve(t, failing, http.MethodPost, "/api/tasks", []byte(`{"template":"nightly-export"}`)).Code)

	busy := NewServer(reg, nil, &fakeLauncher{tasks: reg, err: fmt.Errorf("queue: %w", ErrLauncherBusy)}, config.Config{}, zap.NewNop())
	busyRec := serve(t, busy, http.MethodPost, "/api/tasks", []byte(`{"template":"nightly-export"}`))
	require.Equal(t, http.StatusServiceUnavailable, busyRec.Code)
	require.Equal(t, "5", busyRec.Header().Get("Retry-After"))

	noLauncher := newTestServer(t, reg)
	require.Equal(t, http.StatusServiceUnavailable,
		serve(t, noLauncher, http.MethodPost, "/api/tasks", []byte(`{"template":"nightly-export"}`)).Code)
}
