// Cidoctor dispatches corrective actions for classified CI failures.
//
// Given a structured failure report, it decides per failure whether to run
// the mapped remediation handler, guarded by a protected-workflow denylist,
// a cooldown-based duplicate check, and a per-run action cap. Dry-run is
// the default mode; --apply enables real side effects.
//
// Exit codes:
//
//	0  no failed outcomes
//	1  at least one remediation failed
//	2  unreadable report or invalid configuration (fatal, pre-dispatch)
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitFatal  = 2
)

var (
	configPath string
	verbosity  int
)

// exitError carries a process exit code through cobra's error plumbing.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

var rootCmd = &cobra.Command{
	Use:   "cidoctor",
	Short: "CI failure auto-remediation dispatcher",
	Long: `cidoctor consumes structured CI failure reports and dispatches
remediation handlers, with protected-workflow and cooldown guards,
a per-run action cap, and a durable audit log.

Simulation (dry-run) is the default; pass --apply to perform real actions.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cidoctor %s (commit %s, built %s)\n", version, gitCommit, buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase diagnostic verbosity (repeatable)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		// Anything else is a pre-dispatch failure: bad flags, bad
		// config, unreadable report.
		os.Exit(exitFatal)
	}
}

// newLogger builds the stderr diagnostic logger. The audit log is separate
// and always on; this one is for the operator running the command.
func newLogger() *zap.Logger {
	level := zapcore.WarnLevel
	switch {
	case verbosity >= 2:
		level = zapcore.DebugLevel
	case verbosity == 1:
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core)
}
