// Package app wires configuration into long-lived services and runs tasks
// against them. It acts as the dependency container for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/taskprogress/internal/api"
	"github.com/JakeFAU/taskprogress/internal/artifact"
	"github.com/JakeFAU/taskprogress/internal/clock/system"
	"github.com/JakeFAU/taskprogress/internal/config"
	"github.com/JakeFAU/taskprogress/internal/dispatcher"
	"github.com/JakeFAU/taskprogress/internal/hash/sha256"
	idgen "github.com/JakeFAU/taskprogress/internal/id/uuid"
	"github.com/JakeFAU/taskprogress/internal/logging"
	"github.com/JakeFAU/taskprogress/internal/metrics"
	"github.com/JakeFAU/taskprogress/internal/policy/ratelimit"
	"github.com/JakeFAU/taskprogress/internal/progress"
	progresssinks "github.com/JakeFAU/taskprogress/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/taskprogress/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/taskprogress/internal/publisher/pubsub"
	"github.com/JakeFAU/taskprogress/internal/registry"
	gcsstorage "github.com/JakeFAU/taskprogress/internal/storage/gcs"
	localstorage "github.com/JakeFAU/taskprogress/internal/storage/local"
	memorystorage "github.com/JakeFAU/taskprogress/internal/storage/memory"
	pgstore "github.com/JakeFAU/taskprogress/internal/storage/postgres"
	"github.com/JakeFAU/taskprogress/internal/store"
	"github.com/JakeFAU/taskprogress/internal/telemetry"
	"github.com/JakeFAU/taskprogress/internal/worker"
)

// ServiceName identifies the process in traces.
const ServiceName = "taskprogress"

const (
	uploadTimeout = 2 * time.Minute
	pruneInterval = time.Minute
)

// Option customizes Build.
type Option func(*options)

type options struct {
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
	storageOpts    []option.ClientOption
	pubsubOpts     []option.ClientOption
}

// WithRegisterer registers task collectors on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTracerProvider uses tp for task spans and skips global tracer setup.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithStorageClientOptions passes options to the GCS client, e.g. an emulator endpoint.
func WithStorageClientOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.storageOpts = append(o.storageOpts, opts...) }
}

// WithPubSubClientOptions passes options to the Pub/Sub client.
func WithPubSubClientOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.pubsubOpts = append(o.pubsubOpts, opts...) }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	opts   options
	logger *zap.Logger

	hub         *progress.Hub
	registry    *registry.Registry
	factory     *worker.Factory
	dispatch    *dispatcher.Dispatcher
	launchLimit *ratelimit.Limiter
	uploader    *artifact.Uploader
	runs        store.TaskRepository
	apiServer   *api.Server

	pgStore         *pgstore.TaskStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storageClient   *storage.Client
	tracer          trace.Tracer
	tracerShutdown  func(context.Context) error

	runCtx     context.Context
	cancelRuns context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closeErr   error
}

// Build creates the application's dependencies. A nil logger is built from
// cfg.Logging and installed as the global zap logger.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(&a.opts)
	}
	a.runCtx, a.cancelRuns = context.WithCancel(context.Background())

	a.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("database", cfg.DB.DSN != ""),
		zap.Bool("pubsub", cfg.PubSub.TopicName != ""),
	)
	metrics.Init()

	if err := a.build(ctx); err != nil {
		if closeErr := a.Close(ctx); closeErr != nil {
			a.logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	if err := a.setupTracing(ctx); err != nil {
		return err
	}
	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	if err := a.setupStorage(ctx); err != nil {
		return err
	}
	if err := a.setupProgress(publisher); err != nil {
		return err
	}

	a.registry = registry.New()
	a.factory, err = worker.NewFactory(
		idgen.New(),
		system.New(),
		worker.Config{
			StepInterval: a.cfg.Worker.StepInterval,
			OutputDir:    a.cfg.Worker.OutputDir,
			FailAt:       a.cfg.Worker.FailAt,
		},
		a.hub,
		a.logger.Named("worker"),
	)
	if err != nil {
		return fmt.Errorf("worker factory init failed: %w", err)
	}
	a.logger.Info("worker config",
		zap.Duration("step_interval", a.cfg.Worker.StepInterval),
		zap.String("output_dir", a.cfg.Worker.OutputDir),
		zap.Int("fail_at", a.cfg.Worker.FailAt),
		zap.Int("max_concurrent", a.cfg.Worker.MaxConcurrent),
	)

	a.launchLimit = ratelimit.New(ratelimit.Config{RPS: a.cfg.Worker.LaunchRPS, Burst: a.cfg.Worker.LaunchBurst})
	a.dispatch = dispatcher.New(a.cfg.Worker.MaxConcurrent, a.cfg.Worker.QueueDepth, a.logger.Named("dispatcher"))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dispatch.Run(a.runCtx)
	}()

	a.apiServer = api.NewServer(a.registry, a.runs, a, a.cfg, a.logger.Named("api"))
	return nil
}

func (a *App) setupTracing(ctx context.Context) error {
	if a.opts.tracerProvider != nil {
		a.tracer = telemetry.Tracer(a.opts.tracerProvider)
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, ServiceName)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	a.tracer = telemetry.Tracer(tp)
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, keeping run history in memory")
		a.runs = memorystorage.NewTaskStore()
		return nil
	}
	var err error
	a.pgStore, err = pgstore.NewTaskStore(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("task store init failed: %w", err)
	}
	if a.cfg.DB.EnsureSchema {
		if err := a.pgStore.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	a.runs = a.pgStore
	a.logger.Info("postgres task store initialized")
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (progresssinks.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID, a.opts.pubsubOpts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher, err = gcppublisher.NewFromClient(a.pubsubClient, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubPublisher, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var (
		blobStore artifact.BlobStore
		err       error
	)
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		a.storageClient, err = storage.NewClient(ctx, a.opts.storageOpts...)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(a.storageClient, gcsstorage.Config{
			Bucket: a.cfg.Storage.Bucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
	case config.StorageLocal:
		dir := filepath.Join(a.cfg.Storage.LocalDir, a.cfg.Storage.Prefix)
		blobStore, err = localstorage.New(localstorage.Config{BaseDir: dir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", dir))
	default:
		a.logger.Info("artifact upload disabled")
		return nil
	}
	a.uploader, err = artifact.NewUploader(blobStore, sha256.New(), a.logger.Named("artifact"))
	if err != nil {
		return fmt.Errorf("artifact uploader init failed: %w", err)
	}
	return nil
}

func (a *App) setupProgress(publisher progresssinks.Publisher) error {
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(a.runs, a.logger.Named("progress_store")),
		progresssinks.NewPublisherSink(publisher, a.cfg.PubSub.TopicName, a.logger.Named("progress_publisher")),
	}
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Progress.Prometheus {
		promSink, err := progresssinks.NewPrometheusSink(a.opts.registerer)
		if err != nil {
			return fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	hubCfg := progress.HubConfig{
		BufferSize:       a.cfg.Progress.BufferSize,
		MaxBatchEvents:   a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:     a.cfg.Progress.MaxBatchWait,
		SinkTimeout:      a.cfg.Progress.SinkTimeout,
		CoalesceProgress: a.cfg.Progress.CoalesceProgress,
		Logger:           a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Registry returns the live task registry.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Pending reports launched tasks waiting for a dispatcher slot.
func (a *App) Pending() int {
	return a.dispatch.Pending()
}

// Runs returns the run history repository.
func (a *App) Runs() store.TaskRepository {
	return a.runs
}

// Launch queues the named task template on the dispatcher. The task is
// registered right away and reports zero progress until a runner starts it.
func (a *App) Launch(_ context.Context, template string) (progress.Snapshot, error) {
	tpl, ok := a.cfg.Tasks[template]
	if !ok {
		return progress.Snapshot{}, fmt.Errorf("%w: %s", api.ErrUnknownTemplate, template)
	}
	if err := a.launchLimit.Allow(template); err != nil {
		metrics.ObserveLaunchRejected(tpl.Kind, "rate_limited")
		return progress.Snapshot{}, fmt.Errorf("launch %s: %w: %w", template, api.ErrLauncherBusy, err)
	}
	task, err := a.prepare(progress.Kind(tpl.Kind), tpl.Steps)
	if err != nil {
		return progress.Snapshot{}, err
	}
	err = a.dispatch.Submit(func(ctx context.Context) {
		_ = a.execute(ctx, task)
	})
	if err != nil {
		a.registry.Remove(task.ID())
		if errors.Is(err, dispatcher.ErrBusy) {
			metrics.ObserveLaunchRejected(tpl.Kind, "queue_full")
			return progress.Snapshot{}, fmt.Errorf("launch %s: %w: %w", template, api.ErrLauncherBusy, err)
		}
		return progress.Snapshot{}, fmt.Errorf("launch %s: %w", template, err)
	}
	a.logger.Info("task queued",
		zap.String("template", template),
		zap.String("task_id", task.ID().String()),
		zap.Int("pending", a.dispatch.Pending()),
	)
	return task.Snapshot(), nil
}

// Start builds a task, registers it and runs it under ctx outside the
// dispatcher. The returned channel yields the worker's result once its
// outputs are uploaded.
func (a *App) Start(ctx context.Context, kind progress.Kind, steps int) (worker.Task, <-chan error, error) {
	task, err := a.prepare(kind, steps)
	if err != nil {
		return nil, nil, err
	}
	done := make(chan error, 1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		done <- a.execute(ctx, task)
		close(done)
	}()
	return task, done, nil
}

func (a *App) prepare(kind progress.Kind, steps int) (worker.Task, error) {
	task, err := a.factory.Build(kind, steps)
	if err != nil {
		return nil, fmt.Errorf("build task: %w", err)
	}
	if err := a.registry.Add(task); err != nil {
		return nil, fmt.Errorf("register task: %w", err)
	}
	return task, nil
}

// execute runs task to completion inside a "task.run" span and uploads its
// outputs when the worker succeeds.
func (a *App) execute(ctx context.Context, task worker.Task) error {
	ctx, span := a.tracer.Start(ctx, "task.run", trace.WithAttributes(
		attribute.String("task.id", task.ID().String()),
		attribute.String("task.kind", string(task.Kind())),
		attribute.Int("task.total_steps", task.Snapshot().TotalSteps),
	))
	defer span.End()

	err := task.Start(ctx)
	if err == nil {
		err = task.Wait(context.WithoutCancel(ctx))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.Warn("task failed", zap.String("task_id", task.ID().String()), zap.Error(err))
		return err
	}
	span.SetAttributes(attribute.Float64("task.progress", task.Progress()))
	a.upload(context.WithoutCancel(ctx), task)
	return nil
}

func (a *App) upload(ctx context.Context, task worker.Task) {
	if a.uploader == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	manifest, err := a.uploader.Upload(ctx, task)
	var total int64
	for _, f := range manifest.Files {
		total += f.Size
	}
	metrics.ObserveArtifactUpload(string(task.Kind()), total, err)
	if err != nil {
		a.logger.Error("artifact upload failed", zap.String("task_id", task.ID().String()), zap.Error(err))
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.RecordError(err)
		}
	}
}

// RunTask runs a single task in the foreground, logging progress and the
// remaining time estimate every poll interval until it ends.
func (a *App) RunTask(ctx context.Context, kind progress.Kind, steps int) error {
	task, done, err := a.Start(ctx, kind, steps)
	if err != nil {
		return err
	}
	logger := a.logger.With(zap.String("task_id", task.ID().String()), zap.String("kind", string(kind)))
	logger.Info("task started", zap.Int("total_steps", steps))

	ticker := time.NewTicker(a.cfg.Progress.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			snap := task.Snapshot()
			if err != nil {
				return fmt.Errorf("task %s: %w", task.ID(), err)
			}
			logger.Info("task finished", zap.Float64("progress", snap.Progress), zap.Any("outputs", snap.Outputs))
			return nil
		case <-ticker.C:
			fields := []zap.Field{zap.Float64("progress", task.Progress())}
			if remaining := task.RemainingTime(); !math.IsInf(remaining, 0) && !math.IsNaN(remaining) {
				fields = append(fields, zap.Duration("remaining", time.Duration(remaining*float64(time.Second))))
			}
			logger.Info("task progress", fields...)
		}
	}
}

// Serve starts the HTTP API and autostart templates and blocks until ctx is
// canceled or SIGINT/SIGTERM arrives, then shuts everything down.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, name := range a.cfg.TaskNames() {
		if !a.cfg.Tasks[name].Autostart {
			continue
		}
		if _, err := a.Launch(ctx, name); err != nil {
			a.logger.Error("autostart failed", zap.String("template", name), zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}
	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()
	go a.pruneLoop(ctx)

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.registry.PruneFinished(); n > 0 {
				a.logger.Debug("pruned finished tasks", zap.Int("count", n))
			}
		}
	}
}

// Close cancels running tasks, waits for them, flushes the progress hub and
// releases clients. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.cancelRuns()
		if err := a.waitTasks(ctx); err != nil {
			a.logger.Warn("tasks still running at shutdown", zap.Error(err))
		}
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return a.closeErr
}

func (a *App) waitTasks(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
			a.closeErr = errors.Join(a.closeErr, err)
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
