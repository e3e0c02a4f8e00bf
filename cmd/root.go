// Package cmd defines the CLI commands for the taskprogress executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/app"
	"github.com/JakeFAU/taskprogress/internal/config"
	"github.com/JakeFAU/taskprogress/internal/progress"
)

type contextKey string

const (
	appKey    contextKey = "app"
	configKey contextKey = "config"
)

// App is the surface commands use. Tests swap in a fake through newApp.
type App interface {
	Serve(ctx context.Context) error
	RunTask(ctx context.Context, kind progress.Kind, steps int) error
	Close(ctx context.Context) error
}

var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return app.Build(ctx, cfg, nil)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "taskprogress",
		Short: "Runs long tasks and reports their progress.",
		Long: `taskprogress runs training, inference and export tasks, tracks their
progress and remaining time, and serves the live view over HTTP.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml); env vars use the TASKPROGRESS_ prefix")
	cmd.AddCommand(newServeCmd(), newRunCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// closeApp shuts the application down within the configured shutdown timeout.
func closeApp(ctx context.Context, appInstance App) error {
	cfg, _ := ctx.Value(configKey).(config.Config)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	return appInstance.Close(ctx)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
