package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/taskprogress/internal/progress"
)

type runOptions struct {
	kind     string
	steps    int
	template string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one task in the foreground",
		Long: `Runs a single task, logging its progress and remaining time until it
finishes. Use --template to run a configured task template instead of
--kind and --steps.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTask(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.kind, "kind", string(progress.KindGeneric), "task kind: generic, train, inference or export")
	cmd.Flags().IntVar(&opts.steps, "steps", 10, "total steps (epochs for train)")
	cmd.Flags().StringVar(&opts.template, "template", "", "name of a configured task template")
	return cmd
}

func runTask(cmd *cobra.Command, opts *runOptions) (err error) {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeApp(cmd.Context(), appInstance))
	}()
	kind, steps := progress.Kind(opts.kind), opts.steps
	if opts.template != "" {
		cfg, err := resolveConfig(cmd.Context())
		if err != nil {
			return err
		}
		tpl, ok := cfg.Tasks[opts.template]
		if !ok {
			return fmt.Errorf("unknown task template %q", opts.template)
		}
		kind, steps = progress.Kind(tpl.Kind), tpl.Steps
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return appInstance.RunTask(ctx, kind, steps)
}
