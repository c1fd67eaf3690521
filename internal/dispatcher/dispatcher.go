// Package dispatcher decides, per failure event, whether to run a
// corrective action, and records the outcome.
//
// Events move through a fixed lifecycle: PENDING -> GUARD_CHECK ->
// {SKIPPED | ELIGIBLE} -> DISPATCHED -> {SUCCEEDED | FAILED}. Processing is
// strictly sequential in input order, because a lock written for one event
// changes the duplicate-guard decision for a later event in the same run.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cidoctor/internal/audit"
	"github.com/fyrsmithlabs/cidoctor/internal/guard"
	"github.com/fyrsmithlabs/cidoctor/internal/invoker"
	"github.com/fyrsmithlabs/cidoctor/internal/lockstore"
	"github.com/fyrsmithlabs/cidoctor/internal/policy"
	"github.com/fyrsmithlabs/cidoctor/internal/report"
)

const instrumentationName = "github.com/fyrsmithlabs/cidoctor/internal/dispatcher"

// Status is the terminal state of one event.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Skip reasons the dispatcher itself produces; guard reasons are defined in
// the guard package.
const (
	ReasonNoMapping         = "no_mapping"
	ReasonMaxActionsReached = "max_actions_reached"
)

// DefaultMaxActions caps the number of handler invocations per run.
const DefaultMaxActions = 10

// Outcome is the immutable per-event record of one dispatch decision.
type Outcome struct {
	Event     report.FailureEvent `json:"event"`
	HandlerID string              `json:"handler_id,omitempty"`
	Mode      invoker.Mode        `json:"mode"`
	Status    Status              `json:"status"`
	Reason    string              `json:"reason,omitempty"`
	Output    string              `json:"output,omitempty"`
}

// Summary aggregates the outcomes of one run. It is built once at run end
// and is the sole artifact handed to the reporter.
type Summary struct {
	RunID         string       `json:"run_id"`
	Mode          invoker.Mode `json:"mode"`
	StartedAt     time.Time    `json:"started_at"`
	TotalExecuted int          `json:"total_executed"`
	Succeeded     int          `json:"succeeded"`
	Failed        int          `json:"failed"`
	Skipped       int          `json:"skipped"`
	Outcomes      []Outcome    `json:"outcomes"`
}

// HasFailures reports whether at least one outcome failed. Guard skips and
// missing mappings do not count as failures.
func (s *Summary) HasFailures() bool {
	return s.Failed > 0
}

// Invoker executes remediation handlers. *invoker.Invoker satisfies it;
// tests substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, handlerID string, event report.FailureEvent, mode invoker.Mode) invoker.Result
}

// Config wires a Dispatcher's collaborators.
type Config struct {
	Policies   *policy.Table
	Guards     *guard.Chain
	Store      lockstore.Store
	Invoker    Invoker
	Audit      *audit.Logger
	Logger     *zap.Logger
	MaxActions int

	// Now and NewRunID are injectable for tests; both default to the
	// real implementations.
	Now      func() time.Time
	NewRunID func() string
}

// Dispatcher runs the per-event decision loop.
type Dispatcher struct {
	policies   *policy.Table
	guards     *guard.Chain
	store      lockstore.Store
	invoker    Invoker
	audit      *audit.Logger
	logger     *zap.Logger
	maxActions int
	now        func() time.Time
	newRunID   func() string

	tracer            trace.Tracer
	dispatchedCounter metric.Int64Counter
	skippedCounter    metric.Int64Counter
}

// New validates the configuration and builds a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Policies == nil {
		return nil, errors.New("policy table is required")
	}
	if cfg.Guards == nil {
		return nil, errors.New("guard chain is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("lock store is required")
	}
	if cfg.Invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewNop()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = DefaultMaxActions
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = uuid.NewString
	}

	d := &Dispatcher{
		policies:   cfg.Policies,
		guards:     cfg.Guards,
		store:      cfg.Store,
		invoker:    cfg.Invoker,
		audit:      cfg.Audit,
		logger:     cfg.Logger,
		maxActions: cfg.MaxActions,
		now:        cfg.Now,
		newRunID:   cfg.NewRunID,
		tracer:     otel.Tracer(instrumentationName),
	}
	d.initMetrics()
	return d, nil
}

// initMetrics initializes OpenTelemetry counters. Without an SDK these are
// no-ops.
func (d *Dispatcher) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	d.dispatchedCounter, err = meter.Int64Counter(
		"cidoctor.dispatcher.dispatched_total",
		metric.WithDescription("Handler invocations by status"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		d.logger.Warn("failed to create dispatched counter", zap.Error(err))
	}

	d.skippedCounter, err = meter.Int64Counter(
		"cidoctor.dispatcher.skipped_total",
		metric.WithDescription("Skipped events by reason"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		d.logger.Warn("failed to create skipped counter", zap.Error(err))
	}
}

// Run processes events in input order and returns the run summary.
//
// A handler failure never aborts the run: it is recorded and the loop
// continues. Locks are written immediately after each successful handler in
// apply mode, so a second event of the same type later in the run is
// deduplicated. In dry-run mode the lock store is never written.
func (d *Dispatcher) Run(ctx context.Context, events []report.FailureEvent, mode invoker.Mode) *Summary {
	ctx, span := d.tracer.Start(ctx, "dispatcher.run",
		trace.WithAttributes(
			attribute.String("mode", string(mode)),
			attribute.Int("events", len(events)),
		))
	defer span.End()

	summary := &Summary{
		RunID:     d.newRunID(),
		Mode:      mode,
		StartedAt: d.now().UTC(),
		Outcomes:  make([]Outcome, 0, len(events)),
	}

	d.audit.RunStart(summary.RunID, string(mode), len(events))

	for _, event := range events {
		outcome := d.processEvent(ctx, summary, event, mode)
		summary.Outcomes = append(summary.Outcomes, outcome)

		switch outcome.Status {
		case StatusSucceeded:
			summary.Succeeded++
		case StatusFailed:
			summary.Failed++
		case StatusSkipped:
			summary.Skipped++
		}
	}

	d.audit.RunEnd(summary.RunID, summary.TotalExecuted, summary.Succeeded, summary.Failed, summary.Skipped)
	span.SetAttributes(
		attribute.Int("executed", summary.TotalExecuted),
		attribute.Int("failed", summary.Failed),
	)
	return summary
}

// processEvent walks one event through cap check, policy lookup, guards,
// and invocation.
func (d *Dispatcher) processEvent(ctx context.Context, summary *Summary, event report.FailureEvent, mode invoker.Mode) Outcome {
	// The cap is absolute: once reached, remaining events are skipped
	// without guard evaluation.
	if summary.TotalExecuted >= d.maxActions {
		return d.skip(ctx, summary.RunID, event, mode, "", ReasonMaxActionsReached)
	}

	handlerID, ok := d.policies.Lookup(event.Type)
	if !ok {
		return d.skip(ctx, summary.RunID, event, mode, "", ReasonNoMapping)
	}

	verdict := d.guards.Check(ctx, event, d.now())
	for _, warning := range verdict.Warnings {
		d.logger.Warn("guard degraded", zap.String("warning", warning))
		d.audit.Warning(summary.RunID, warning)
	}
	d.audit.GuardDecision(summary.RunID, event, verdict.Allowed, verdict.Reason)
	if !verdict.Allowed {
		return d.skip(ctx, summary.RunID, event, mode, handlerID, verdict.Reason)
	}

	summary.TotalExecuted++
	d.audit.Dispatch(summary.RunID, event, handlerID, string(mode))
	d.logger.Info("dispatching handler",
		zap.String("handler", handlerID),
		zap.String("failure_type", event.Type),
		zap.String("resource", event.Resource),
		zap.String("mode", string(mode)))

	result := d.invoker.Invoke(ctx, handlerID, event, mode)

	outcome := Outcome{
		Event:     event,
		HandlerID: handlerID,
		Mode:      mode,
		Status:    Status(result.Status),
		Reason:    result.Reason,
		Output:    result.Output,
	}

	// A failed remediation must not suppress future retries, so the lock
	// is written only after success, and only when side effects are real.
	if result.Status == invoker.StatusSucceeded && mode == invoker.ModeApply {
		if err := d.store.Set(ctx, event.Type, d.now().Unix()); err != nil {
			warning := "lock store write failed for " + event.Type + ": " + err.Error()
			d.logger.Warn("lock store write failed", zap.String("failure_type", event.Type), zap.Error(err))
			d.audit.Warning(summary.RunID, warning)
		}
	}

	d.audit.Outcome(summary.RunID, event, handlerID, string(outcome.Status), outcome.Reason)
	if d.dispatchedCounter != nil {
		d.dispatchedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(outcome.Status))))
	}
	return outcome
}

// skip records a skipped outcome with its reason.
func (d *Dispatcher) skip(ctx context.Context, runID string, event report.FailureEvent, mode invoker.Mode, handlerID, reason string) Outcome {
	d.logger.Debug("skipping event",
		zap.String("failure_type", event.Type),
		zap.String("resource", event.Resource),
		zap.String("reason", reason))
	d.audit.Outcome(runID, event, handlerID, string(StatusSkipped), reason)
	if d.skippedCounter != nil {
		d.skippedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	return Outcome{
		Event:     event,
		HandlerID: handlerID,
		Mode:      mode,
		Status:    StatusSkipped,
		Reason:    reason,
	}
}
