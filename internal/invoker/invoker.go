// Package invoker executes remediation handlers as external processes.
//
// Process-level failure (nonzero exit, timeout, missing binary) is mapped
// to a failed result at this boundary; it never propagates as an error into
// the dispatcher's run loop.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cidoctor/internal/report"
)

// Mode selects between simulated and side-effect-performing execution.
type Mode string

const (
	// ModeDryRun simulates handler execution with no side effects.
	ModeDryRun Mode = "dry_run"
	// ModeApply spawns the real handler process.
	ModeApply Mode = "apply"
)

// Status is the two-valued result of a handler invocation.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Failure reasons attached to failed results.
const (
	ReasonTimeout       = "timeout"
	ReasonNonzeroExit   = "nonzero_exit"
	ReasonSpawnFailed   = "spawn_failed"
	ReasonNotConfigured = "handler_not_configured"
	ReasonEncodeFailed  = "event_encode_failed"
	reasonSimulated     = "simulated"
)

// Result is the classified outcome of one invocation.
type Result struct {
	Status Status
	// Reason explains a failure, or marks a dry-run result as simulated.
	Reason string
	// Output is the handler's combined stdout/stderr, captured verbatim.
	Output string
}

// DefaultTimeout bounds handler execution when no timeout is configured.
const DefaultTimeout = 60 * time.Second

// Invoker runs remediation handlers.
type Invoker struct {
	// handlers maps handler IDs to executable paths.
	handlers map[string]string
	timeout  time.Duration
	logger   *zap.Logger
}

// New builds an Invoker over the handler ID to executable mapping.
func New(handlers map[string]string, timeout time.Duration, logger *zap.Logger) *Invoker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	copied := make(map[string]string, len(handlers))
	for id, path := range handlers {
		copied[id] = path
	}
	return &Invoker{handlers: copied, timeout: timeout, logger: logger}
}

// Invoke runs handlerID against event in the given mode.
//
// Apply mode spawns the configured executable with the JSON-serialized
// event on stdin and classifies the exit: zero is succeeded, anything else
// (including timeout and spawn failure) is failed. Dry-run mode spawns
// nothing and synthesizes a simulated success.
func (inv *Invoker) Invoke(ctx context.Context, handlerID string, event report.FailureEvent, mode Mode) Result {
	if mode == ModeDryRun {
		return Result{
			Status: StatusSucceeded,
			Reason: reasonSimulated,
			Output: fmt.Sprintf("simulated invocation of %s for %s on %s", handlerID, event.Type, event.Resource),
		}
	}

	path, ok := inv.handlers[handlerID]
	if !ok || path == "" {
		return Result{
			Status: StatusFailed,
			Reason: ReasonNotConfigured,
			Output: fmt.Sprintf("no executable configured for handler %s", handlerID),
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return Result{Status: StatusFailed, Reason: ReasonEncodeFailed, Output: err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path)
	cmd.Stdin = bytes.NewReader(payload)

	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	inv.logger.Debug("handler finished",
		zap.String("handler", handlerID),
		zap.String("failure_type", event.Type),
		zap.Duration("elapsed", elapsed),
		zap.Error(err))

	if err == nil {
		return Result{Status: StatusSucceeded, Output: string(output)}
	}

	// Timeout is recorded as a failed outcome, not a separate status.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{Status: StatusFailed, Reason: ReasonTimeout, Output: string(output)}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{Status: StatusFailed, Reason: ReasonNonzeroExit, Output: string(output)}
	}

	// Binary missing, permission denied, and similar spawn errors.
	return Result{Status: StatusFailed, Reason: ReasonSpawnFailed, Output: err.Error()}
}

// Timeout returns the configured per-handler execution bound.
func (inv *Invoker) Timeout() time.Duration { return inv.timeout }
