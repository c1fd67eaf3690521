package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/cidoctor/internal/lockstore"
	"github.com/fyrsmithlabs/cidoctor/internal/report"
)

// brokenStore simulates a corrupt or unreachable lock store.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (int64, bool, error) {
	return 0, false, errors.New("lock store exploded")
}
func (brokenStore) Set(context.Context, string, int64) error {
	return errors.New("lock store exploded")
}
func (brokenStore) Close() error { return nil }

func event(failureType, resource string) report.FailureEvent {
	return report.FailureEvent{Type: failureType, Resource: resource, Message: "boom"}
}

func TestProtectedGuard(t *testing.T) {
	g := NewProtected(nil)
	now := time.Now()

	tests := []struct {
		resource string
		allowed  bool
	}{
		{"build-job-7", true},
		{"production-deploy", false},
		{"us-east-production-deploy-blue", false},
		{"security-scan-nightly", false},
		{"release-pipeline", false},
		{"master-build", false},
		{"hotfix-deploy-2", false},
		{"deploy-staging", true},
	}

	for _, tt := range tests {
		t.Run(tt.resource, func(t *testing.T) {
			verdict := g.Check(context.Background(), event("test_timeout", tt.resource), now)
			assert.Equal(t, tt.allowed, verdict.Allowed)
			if !tt.allowed {
				assert.Equal(t, ReasonProtectedWorkflow, verdict.Reason)
			}
		})
	}
}

func TestProtectedGuardCustomPatterns(t *testing.T) {
	g := NewProtected([]string{"canary"})
	now := time.Now()

	verdict := g.Check(context.Background(), event("oom_kill", "canary-rollout"), now)
	assert.False(t, verdict.Allowed)

	// Custom list replaces the defaults entirely.
	verdict = g.Check(context.Background(), event("oom_kill", "production-deploy"), now)
	assert.True(t, verdict.Allowed)
}

func TestDuplicateGuardWithinCooldown(t *testing.T) {
	ctx := context.Background()
	store := lockstore.NewMemory()
	now := time.Unix(1756600000, 0)

	require.NoError(t, store.Set(ctx, "network_error", now.Add(-5*time.Minute).Unix()))

	g := NewDuplicate(store, 15*time.Minute)
	verdict := g.Check(ctx, event("network_error", "build-job-7"), now)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, ReasonDuplicatePrevention, verdict.Reason)
}

func TestDuplicateGuardCooldownExpired(t *testing.T) {
	ctx := context.Background()
	store := lockstore.NewMemory()
	now := time.Unix(1756600000, 0)

	require.NoError(t, store.Set(ctx, "network_error", now.Add(-16*time.Minute).Unix()))

	g := NewDuplicate(store, 15*time.Minute)
	verdict := g.Check(ctx, event("network_error", "build-job-7"), now)
	assert.True(t, verdict.Allowed)
}

func TestDuplicateGuardNoPriorRun(t *testing.T) {
	g := NewDuplicate(lockstore.NewMemory(), 15*time.Minute)
	verdict := g.Check(context.Background(), event("network_error", "build-job-7"), time.Now())
	assert.True(t, verdict.Allowed)
	assert.Empty(t, verdict.Warnings)
}

func TestDuplicateGuardFailsOpen(t *testing.T) {
	g := NewDuplicate(brokenStore{}, 15*time.Minute)
	verdict := g.Check(context.Background(), event("network_error", "build-job-7"), time.Now())
	assert.True(t, verdict.Allowed)
	require.Len(t, verdict.Warnings, 1)
	assert.Contains(t, verdict.Warnings[0], "lock store unavailable")
}

func TestChainOrderProtectedFirst(t *testing.T) {
	ctx := context.Background()
	store := lockstore.NewMemory()
	now := time.Unix(1756600000, 0)

	// Event is both protected and within cooldown; protected wins because
	// the chain evaluates it first and short-circuits.
	require.NoError(t, store.Set(ctx, "test_timeout", now.Unix()))

	chain := NewChain(NewProtected(nil), NewDuplicate(store, 15*time.Minute))
	verdict := chain.Check(ctx, event("test_timeout", "production-deploy"), now)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, ReasonProtectedWorkflow, verdict.Reason)
}

func TestChainAllowsAndCollectsWarnings(t *testing.T) {
	chain := NewChain(NewProtected(nil), NewDuplicate(brokenStore{}, 15*time.Minute))
	verdict := chain.Check(context.Background(), event("network_error", "build-job-7"), time.Now())
	assert.True(t, verdict.Allowed)
	assert.Len(t, verdict.Warnings, 1)
}

func TestChainEmpty(t *testing.T) {
	verdict := NewChain().Check(context.Background(), event("x", "y"), time.Now())
	assert.True(t, verdict.Allowed)
}
