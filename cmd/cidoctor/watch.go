package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cidoctor/internal/config"
	"github.com/fyrsmithlabs/cidoctor/internal/dispatcher"
	"github.com/fyrsmithlabs/cidoctor/internal/invoker"
	"github.com/fyrsmithlabs/cidoctor/internal/report"
	"github.com/fyrsmithlabs/cidoctor/internal/watch"
)

var watchApply bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the report directory and dispatch new reports",
	Long: `Watch observes the configured report directory and runs a dispatch
whenever a new failure report settles. It blocks until interrupted.

When metrics are enabled, run and outcome counters are exposed on a
Prometheus endpoint.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchApply, "apply", false, "perform real remediations (default is dry-run)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitFatal, msg: err.Error()}
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return &exitError{code: exitFatal, msg: err.Error()}
	}
	defer rt.close()

	mode := invoker.ModeDryRun
	if watchApply {
		mode = invoker.ModeApply
	}

	run := func(ctx context.Context, reportPath string) (*dispatcher.Summary, error) {
		rep, err := report.Load(reportPath)
		if err != nil {
			return nil, err
		}
		return rt.dispatcher.Run(ctx, rep.Failures, mode), nil
	}

	var metricsAddr string
	if cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Addr
	}

	w, err := watch.New(watch.Config{
		Dir:         cfg.ReportDir,
		Pattern:     cfg.ReportPattern,
		Run:         run,
		MetricsAddr: metricsAddr,
		Logger:      logger,
	})
	if err != nil {
		return &exitError{code: exitFatal, msg: err.Error()}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting watch mode", zap.String("mode", string(mode)))

	if err := w.Start(ctx); err != nil {
		return &exitError{code: exitFatal, msg: err.Error()}
	}
	return nil
}
