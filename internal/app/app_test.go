package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/api"
	"github.com/JakeFAU/taskprogress/internal/app"
	"github.com/JakeFAU/taskprogress/internal/artifact"
	"github.com/JakeFAU/taskprogress/internal/config"
	"github.com/JakeFAU/taskprogress/internal/dispatcher"
	"github.com/JakeFAU/taskprogress/internal/progress"
	"github.com/JakeFAU/taskprogress/internal/store"
	"github.com/JakeFAU/taskprogress/internal/worker"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server: config.ServerConfig{
			Port:            8080,
			RequestTimeout:  time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Progress: config.ProgressConfig{
			MaxBatchWait: 5 * time.Millisecond,
			SinkTimeout:  time.Second,
			PollInterval: 5 * time.Millisecond,
			Prometheus:   true,
		},
		Worker: config.WorkerConfig{
			StepInterval:  time.Millisecond,
			OutputDir:     filepath.Join(t.TempDir(), "runs"),
			MaxConcurrent: 2,
			QueueDepth:    8,
		},
		Storage: config.StorageConfig{
			Backend:  config.StorageLocal,
			LocalDir: filepath.Join(t.TempDir(), "artifacts"),
			Prefix:   "tasks",
		},
		Tasks: map[string]config.TaskTemplate{
			"quick-export": {Kind: "export", Steps: 2},
		},
	}
}

func buildApp(t *testing.T, cfg config.Config) (*app.App, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	a, err := app.Build(context.Background(), cfg, zap.NewNop(),
		app.WithRegisterer(prometheus.NewRegistry()),
		app.WithTracerProvider(tp),
	)
	require.NoError(t, err)
	return a, recorder
}

func TestRunTaskUploadsOutputsAndRecordsRun(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a, recorder := buildApp(t, cfg)

	require.NoError(t, a.RunTask(context.Background(), progress.KindTrain, 3))

	snaps := a.Registry().Snapshots()
	require.Len(t, snaps, 1)
	snap := snaps[0]
	require.True(t, snap.Finished)
	require.Equal(t, progress.KindTrain, snap.Kind)
	require.Equal(t, 1.0, snap.Progress)

	manifestPath := filepath.Join(cfg.Storage.LocalDir, cfg.Storage.Prefix, snap.ID.String(), artifact.ManifestName)
	raw, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	var manifest artifact.Manifest
	require.NoError(t, json.Unmarshal(raw, &manifest))
	require.Equal(t, snap.ID.String(), manifest.TaskID)
	require.NotEmpty(t, manifest.Files)

	require.NoError(t, a.Close(context.Background()))

	run, err := a.Runs().GetTask(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunFinished, run.Status)
	require.Equal(t, int64(3), run.TotalSteps)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "task.run", spans[0].Name())
	require.NotEqual(t, codes.Error, spans[0].Status().Code)
}

func TestRunTaskReportsWorkerFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Worker.FailAt = 2
	a, recorder := buildApp(t, cfg)

	err := a.RunTask(context.Background(), progress.KindInference, 4)
	require.ErrorIs(t, err, worker.ErrSimulatedFailure)

	snap := a.Registry().Snapshots()[0]
	require.False(t, snap.Finished)
	_, err = os.Stat(filepath.Join(cfg.Storage.LocalDir, cfg.Storage.Prefix, snap.ID.String()))
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, a.Close(context.Background()))

	run, err := a.Runs().GetTask(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunError, run.Status)
	require.NotNil(t, run.ErrorMessage)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestRunTaskRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	a, _ := buildApp(t, testConfig(t))
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	require.Error(t, a.RunTask(context.Background(), progress.Kind("distill"), 3))
	require.Error(t, a.RunTask(context.Background(), progress.KindTrain, 0))
	require.Zero(t, a.Registry().Len())
}

func TestLaunchTemplates(t *testing.T) {
	t.Parallel()

	a, _ := buildApp(t, testConfig(t))
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	_, err := a.Launch(context.Background(), "missing")
	require.ErrorIs(t, err, api.ErrUnknownTemplate)

	snap, err := a.Launch(context.Background(), "quick-export")
	require.NoError(t, err)
	require.Equal(t, progress.KindExport, snap.Kind)
	require.Equal(t, 2, snap.TotalSteps)

	require.Eventually(t, func() bool {
		task, err := a.Registry().Get(snap.ID)
		return err == nil && task.IsFinished()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestHandlerServesLaunchedTasks(t *testing.T) {
	t.Parallel()

	a, _ := buildApp(t, testConfig(t))
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/api/tasks", "application/json", strings.NewReader(`{"template":"quick-export"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body struct {
		Task struct {
			TaskID string `json:"task_id"`
			Kind   string `json:"kind"`
		} `json:"task"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "export", body.Task.Kind)
	require.NotEmpty(t, body.Task.TaskID)

	getResp, err := http.Get(srv.URL + "/api/tasks/" + body.Task.TaskID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestLaunchRejectsWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Worker.StepInterval = time.Hour
	cfg.Worker.MaxConcurrent = 1
	cfg.Worker.QueueDepth = 1
	cfg.Tasks["slow"] = config.TaskTemplate{Kind: "generic", Steps: 5}
	a, _ := buildApp(t, cfg)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	_, err := a.Launch(context.Background(), "slow")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Pending() == 0 }, 5*time.Second, time.Millisecond)

	_, err = a.Launch(context.Background(), "slow")
	require.NoError(t, err)
	require.Equal(t, 1, a.Pending())
	_, err = a.Launch(context.Background(), "slow")
	require.ErrorIs(t, err, dispatcher.ErrBusy)
	require.Equal(t, 2, a.Registry().Len())
}

func TestLaunchRateLimitedPerTemplate(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Worker.LaunchRPS = 0.001
	cfg.Worker.LaunchBurst = 1
	cfg.Tasks["other-export"] = config.TaskTemplate{Kind: "export", Steps: 1}
	a, _ := buildApp(t, cfg)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	_, err := a.Launch(context.Background(), "quick-export")
	require.NoError(t, err)
	_, err = a.Launch(context.Background(), "quick-export")
	require.ErrorIs(t, err, api.ErrLauncherBusy)
	_, err = a.Launch(context.Background(), "other-export")
	require.NoError(t, err)
}

func TestCloseCancelsRunningTasks(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Worker.StepInterval = time.Hour
	cfg.Tasks["slow"] = config.TaskTemplate{Kind: "generic", Steps: 5}
	a, _ := buildApp(t, cfg)

	snap, err := a.Launch(context.Background(), "slow")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx))

	task, err := a.Registry().Get(snap.ID)
	require.NoError(t, err)
	require.False(t, task.IsFinished())
}

func TestBuildFailsOnUnusableStorage(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	cfg.Storage.LocalDir = file

	_, err := app.Build(context.Background(), cfg, zap.NewNop(),
		app.WithRegisterer(prometheus.NewRegistry()),
		app.WithTracerProvider(sdktrace.NewTracerProvider()),
	)
	require.Error(t, err)
}
