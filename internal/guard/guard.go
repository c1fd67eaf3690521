// Package guard filters failure events before dispatch.
//
// Guards are side-effect-free predicates. The chain evaluates them in a
// fixed order and short-circuits on the first rejection; only the
// dispatcher ever writes state.
package guard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/cidoctor/internal/lockstore"
	"github.com/fyrsmithlabs/cidoctor/internal/report"
)

// Skip reasons produced by the built-in guards. These strings appear in
// outcomes, audit entries, and narrative output, so they are part of the
// tool's contract.
const (
	ReasonProtectedWorkflow   = "protected_workflow"
	ReasonDuplicatePrevention = "duplicate_prevention"
)

// DefaultProtectedPatterns is the builtin denylist of pipeline name
// fragments the dispatcher must never act on.
var DefaultProtectedPatterns = []string{
	"production-deploy",
	"security-scan",
	"release-pipeline",
	"master-build",
	"hotfix-deploy",
}

// Verdict is the result of evaluating one guard or the whole chain.
type Verdict struct {
	// Allowed reports whether the event may proceed to dispatch.
	Allowed bool

	// Reason is the skip reason when Allowed is false.
	Reason string

	// Warnings carries degradation notices (e.g. an unreadable lock
	// store) that the dispatcher records in the audit log.
	Warnings []string
}

var allow = Verdict{Allowed: true}

// Guard is a single admission predicate.
type Guard interface {
	// Name identifies the guard in audit entries.
	Name() string

	// Check evaluates the event at time now. Implementations must not
	// mutate any state.
	Check(ctx context.Context, event report.FailureEvent, now time.Time) Verdict
}

// Protected rejects events whose resource matches a denylisted pattern.
type Protected struct {
	patterns []string
}

// NewProtected builds a protected-resource guard. An empty pattern list
// falls back to DefaultProtectedPatterns.
func NewProtected(patterns []string) *Protected {
	if len(patterns) == 0 {
		patterns = DefaultProtectedPatterns
	}
	return &Protected{patterns: patterns}
}

// Name implements Guard.
func (p *Protected) Name() string { return "protected_resource" }

// Check implements Guard. Matching is a plain substring test against the
// event's resource name.
func (p *Protected) Check(_ context.Context, event report.FailureEvent, _ time.Time) Verdict {
	for _, pattern := range p.patterns {
		if pattern != "" && strings.Contains(event.Resource, pattern) {
			return Verdict{Reason: ReasonProtectedWorkflow}
		}
	}
	return allow
}

// Duplicate rejects events whose failure type ran within the cooldown
// window, per the lock store.
type Duplicate struct {
	store    lockstore.Store
	cooldown time.Duration
}

// NewDuplicate builds a duplicate guard over store with the given cooldown.
func NewDuplicate(store lockstore.Store, cooldown time.Duration) *Duplicate {
	return &Duplicate{store: store, cooldown: cooldown}
}

// Name implements Guard.
func (d *Duplicate) Name() string { return "duplicate" }

// Check implements Guard.
//
// A lock store failure does not reject the event: deduplication is a
// safety net, not a correctness guarantee, so the guard fails open and
// reports the degradation as a warning.
func (d *Duplicate) Check(ctx context.Context, event report.FailureEvent, now time.Time) Verdict {
	lastRun, ok, err := d.store.Get(ctx, event.Type)
	if err != nil {
		return Verdict{
			Allowed:  true,
			Warnings: []string{fmt.Sprintf("lock store unavailable, deduplication disabled for %s: %v", event.Type, err)},
		}
	}
	if !ok {
		return allow
	}
	if now.Unix()-lastRun < int64(d.cooldown.Seconds()) {
		return Verdict{Reason: ReasonDuplicatePrevention}
	}
	return allow
}

// Chain evaluates guards in order, short-circuiting on the first rejection.
type Chain struct {
	guards []Guard
}

// NewChain builds a chain over the given guards in evaluation order.
func NewChain(guards ...Guard) *Chain {
	return &Chain{guards: guards}
}

// Check runs every guard until one rejects. Warnings from evaluated guards
// are accumulated even when the event is ultimately allowed.
func (c *Chain) Check(ctx context.Context, event report.FailureEvent, now time.Time) Verdict {
	var warnings []string
	for _, g := range c.guards {
		verdict := g.Check(ctx, event, now)
		warnings = append(warnings, verdict.Warnings...)
		if !verdict.Allowed {
			return Verdict{Reason: verdict.Reason, Warnings: warnings}
		}
	}
	return Verdict{Allowed: true, Warnings: warnings}
}
