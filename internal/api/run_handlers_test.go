package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/store"
)

func TestRunHandlerListRuns(t *testing.T) {
	t.Parallel()

	taskID := uuid.New()
	repo := &mockTaskRepo{
		runs: []store.TaskRun{
			{
				TaskID:     taskID,
				Kind:       "train",
				TotalSteps: 10,
				Step:       10,
				Progress:   1,
				Status:     store.RunFinished,
				StartedAt:  time.Now().Add(-time.Hour),
			},
		},
	}
	handler := NewRunHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/runs?status=finished&limit=10", nil)
	rec := httptest.NewRecorder()

	handler.ListRuns(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, taskID.String(), body.Runs[0].TaskID)
	require.NotNil(t, repo.lastStatus)
	require.Equal(t, store.RunFinished, *repo.lastStatus)
	require.Equal(t, 10, repo.lastLimit)
}

func TestRunHandlerListRunsBadQuery(t *testing.T) {
	t.Parallel()

	handler := NewRunHandler(&mockTaskRepo{}, zap.NewNop())
	for _, target := range []string{
		"/api/runs?limit=-1",
		"/api/runs?offset=x",
		"/api/runs?status=paused",
	} {
		rec := httptest.NewRecorder()
		handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestRunHandlerListRunsRepoError(t *testing.T) {
	t.Parallel()

	handler := NewRunHandler(&mockTaskRepo{err: errors.New("db down")}, zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	NewRunHandler(nil, nil).ListRuns(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunHandlerGetRunNotFound(t *testing.T) {
	t.Parallel()

	repo := &mockTaskRepo{err: store.ErrNotFound}
	handler := NewRunHandler(repo, zap.NewNop())

	taskID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+taskID.String(), nil)
	req = withTaskIDParam(req, taskID.String())
	rec := httptest.NewRecorder()

	handler.GetRun(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunHandlerGetRunInvalidID(t *testing.T) {
	t.Parallel()

	handler := NewRunHandler(&mockTaskRepo{}, zap.NewNop())
	req := withTaskIDParam(httptest.NewRequest(http.MethodGet, "/api/runs/nope", nil), "nope")
	rec := httptest.NewRecorder()
	handler.GetRun(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type mockTaskRepo struct {
	runs       []store.TaskRun
	err        error
	lastStatus *store.RunStatus
	lastLimit  int
}

func (m *mockTaskRepo) UpsertTaskStart(context.Context, uuid.UUID, string, int64, time.Time) error {
	return m.err
}

func (m *mockTaskRepo) UpdateTaskProgress(context.Context, uuid.UUID, int64, float64, time.Time) error {
	return m.err
}

func (m *mockTaskRepo) CompleteTask(context.Context, uuid.UUID, time.Time, store.RunStatus, *string) error {
	return m.err
}

func (m *mockTaskRepo) GetTask(context.Context, uuid.UUID) (store.TaskRun, error) {
	if len(m.runs) > 0 {
		return m.runs[0], nil
	}
	return store.TaskRun{}, m.err
}

func (m *mockTaskRepo) ListTasks(_ context.Context, status *store.RunStatus, limit, _ int) ([]store.TaskRun, error) {
	m.lastStatus = status
	m.lastLimit = limit
	return m.runs, m.err
}

func withTaskIDParam(r *http.Request, taskID string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("task_id", taskID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}
