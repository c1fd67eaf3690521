// Package audit appends durable audit entries for dispatcher activity.
//
// Every guard decision, dispatch, and outcome is written as a timestamped
// JSON line, independent of the run summary. The log is append-only; a
// failed write degrades to a stderr notice rather than aborting the run.
package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/cidoctor/internal/report"
)

const (
	auditFileMode = 0o644
	auditDirMode  = 0o755
)

// Event names recorded in audit entries.
const (
	EventGuardDecision = "guard.decision"
	EventDispatch      = "handler.dispatch"
	EventOutcome       = "handler.outcome"
	EventRunStart      = "run.start"
	EventRunEnd        = "run.end"
)

// Logger writes structured audit entries to a durable log file.
type Logger struct {
	zl   *zap.Logger
	file *os.File
}

// NewLogger opens (or creates) the audit log at path in append mode.
func NewLogger(path string) (*Logger, error) {
	if path == "" {
		return nil, errors.New("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), auditDirMode); err != nil {
		return nil, fmt.Errorf("create audit log directory %s: %w", filepath.Dir(path), err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditFileMode)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.MessageKey = "event"

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(file)),
		zapcore.InfoLevel,
	)

	return &Logger{zl: zap.New(core), file: file}, nil
}

// NewNop returns a Logger that discards everything. Useful in tests and
// when auditing is disabled.
func NewNop() *Logger {
	return &Logger{zl: zap.NewNop()}
}

// RunStart records the beginning of a dispatcher run.
func (l *Logger) RunStart(runID, mode string, eventCount int) {
	l.zl.Info(EventRunStart,
		zap.String("run_id", runID),
		zap.String("mode", mode),
		zap.Int("events", eventCount))
}

// RunEnd records the completion of a dispatcher run.
func (l *Logger) RunEnd(runID string, executed, succeeded, failed, skipped int) {
	l.zl.Info(EventRunEnd,
		zap.String("run_id", runID),
		zap.Int("executed", executed),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped))
}

// GuardDecision records the chain's verdict on one event.
func (l *Logger) GuardDecision(runID string, ev report.FailureEvent, allowed bool, reason string) {
	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.String("failure_type", ev.Type),
		zap.String("resource", ev.Resource),
		zap.Bool("allowed", allowed),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	l.zl.Info(EventGuardDecision, fields...)
}

// Dispatch records a handler invocation about to start.
func (l *Logger) Dispatch(runID string, ev report.FailureEvent, handlerID, mode string) {
	l.zl.Info(EventDispatch,
		zap.String("run_id", runID),
		zap.String("failure_type", ev.Type),
		zap.String("resource", ev.Resource),
		zap.String("handler", handlerID),
		zap.String("mode", mode))
}

// Outcome records the terminal result for one event.
func (l *Logger) Outcome(runID string, ev report.FailureEvent, handlerID, status, reason string) {
	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.String("failure_type", ev.Type),
		zap.String("resource", ev.Resource),
		zap.String("status", status),
	}
	if handlerID != "" {
		fields = append(fields, zap.String("handler", handlerID))
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	l.zl.Info(EventOutcome, fields...)
}

// Warning records a degradation notice, e.g. an unavailable lock store.
// An empty runID means the degradation happened before any run started.
func (l *Logger) Warning(runID, message string) {
	fields := []zap.Field{zap.String("message", message)}
	if runID != "" {
		fields = append(fields, zap.String("run_id", runID))
	}
	l.zl.Warn("warning", fields...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	_ = l.zl.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
