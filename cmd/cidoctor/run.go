package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cidoctor/internal/audit"
	"github.com/fyrsmithlabs/cidoctor/internal/config"
	"github.com/fyrsmithlabs/cidoctor/internal/dispatcher"
	"github.com/fyrsmithlabs/cidoctor/internal/guard"
	"github.com/fyrsmithlabs/cidoctor/internal/invoker"
	"github.com/fyrsmithlabs/cidoctor/internal/lockstore"
	"github.com/fyrsmithlabs/cidoctor/internal/policy"
	"github.com/fyrsmithlabs/cidoctor/internal/report"
	"github.com/fyrsmithlabs/cidoctor/internal/reporter"
)

var (
	applyMode    bool
	outputFormat string
	reportPath   string
	maxActions   int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one dispatch over a failure report",
	Long: `Run processes a single failure report: every event is checked against
the policy table and the guard chain, and eligible events have their
remediation handler invoked (or simulated, without --apply).

The report is taken from --report, or auto-discovered as the most
recently modified matching file in the configured report directory.`,
	Args: cobra.NoArgs,
	RunE: runDispatch,
}

func init() {
	runCmd.Flags().BoolVar(&applyMode, "apply", false, "perform real remediations (default is dry-run)")
	runCmd.Flags().StringVar(&outputFormat, "format", string(reporter.FormatNarrative), "output format: structured or narrative")
	runCmd.Flags().StringVar(&reportPath, "report", "", "explicit failure report path (default: auto-discover)")
	runCmd.Flags().IntVar(&maxActions, "max-actions", 0, "override the per-run action cap")
}

func runDispatch(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitFatal, msg: err.Error()}
	}

	format, err := reporter.ParseFormat(outputFormat)
	if err != nil {
		return &exitError{code: exitFatal, msg: err.Error()}
	}

	path := reportPath
	if path == "" {
		path, err = report.Discover(cfg.ReportDir, cfg.ReportPattern)
		if err != nil {
			return &exitError{code: exitFatal, msg: err.Error()}
		}
		logger.Info("discovered failure report", zap.String("path", path))
	}

	rep, err := report.Load(path)
	if err != nil {
		return &exitError{code: exitFatal, msg: err.Error()}
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return &exitError{code: exitFatal, msg: err.Error()}
	}
	defer rt.close()

	mode := invoker.ModeDryRun
	if applyMode {
		mode = invoker.ModeApply
	}

	summary := rt.dispatcher.Run(cmd.Context(), rep.Failures, mode)

	out, err := reporter.Render(summary, format)
	if err != nil {
		return &exitError{code: exitFatal, msg: err.Error()}
	}
	fmt.Fprint(os.Stdout, out)

	if summary.HasFailures() {
		return &exitError{
			code: exitFailed,
			msg:  fmt.Sprintf("%d of %d remediation(s) failed", summary.Failed, summary.TotalExecuted),
		}
	}
	return nil
}

// runtime bundles the collaborators a dispatch run needs.
type runtime struct {
	dispatcher *dispatcher.Dispatcher
	store      lockstore.Store
	audit      *audit.Logger
}

func (rt *runtime) close() {
	_ = rt.audit.Close()
	_ = rt.store.Close()
}

// newRuntime opens the audit log and lock store and wires the dispatcher.
//
// An audit log that cannot be opened is fatal (it is a configuration
// problem, and the run has not started). A lock store that cannot be
// opened is not: deduplication fails open with an in-memory store so a
// stuck backend cannot block remediation entirely.
func newRuntime(cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	auditLogger, err := audit.NewLogger(cfg.Audit.Path)
	if err != nil {
		return nil, err
	}

	store := openLockStore(cfg, logger, auditLogger)

	actionCap := cfg.MaxActions
	if maxActions > 0 {
		actionCap = maxActions
	}

	d, err := dispatcher.New(dispatcher.Config{
		Policies: policy.NewTable(cfg.Policies),
		Guards: guard.NewChain(
			guard.NewProtected(cfg.ProtectedWorkflows),
			guard.NewDuplicate(store, cfg.Cooldown),
		),
		Store:      store,
		Invoker:    invoker.New(cfg.Handlers, cfg.HandlerTimeout, logger),
		Audit:      auditLogger,
		Logger:     logger,
		MaxActions: actionCap,
	})
	if err != nil {
		_ = auditLogger.Close()
		_ = store.Close()
		return nil, err
	}

	return &runtime{dispatcher: d, store: store, audit: auditLogger}, nil
}

// openLockStore opens the configured backend, degrading to an in-memory
// store (deduplication disabled across runs) when it is unavailable. The
// degradation is recorded in the audit log, not just on stderr, so a run
// whose dedup was silently off is visible after the fact.
func openLockStore(cfg *config.Config, logger *zap.Logger, auditLogger *audit.Logger) lockstore.Store {
	var store lockstore.Store
	var err error

	switch cfg.LockStore.Backend {
	case config.LockBackendSQLite:
		store, err = lockstore.OpenSQLite(cfg.LockStore.Path)
	default:
		store, err = lockstore.OpenFile(cfg.LockStore.Path)
	}
	if err != nil {
		logger.Warn("lock store unavailable, deduplication disabled for this run",
			zap.String("backend", cfg.LockStore.Backend),
			zap.String("path", cfg.LockStore.Path),
			zap.Error(err))
		auditLogger.Warning("", fmt.Sprintf("lock store unavailable, deduplication disabled for this run (%s backend at %s): %v",
			cfg.LockStore.Backend, cfg.LockStore.Path, err))
		return lockstore.NewMemory()
	}
	return store
}
