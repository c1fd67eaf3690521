package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cidoctor/internal/config"
	"github.com/fyrsmithlabs/cidoctor/internal/invoker"
	"github.com/fyrsmithlabs/cidoctor/internal/lockstore"
	"github.com/fyrsmithlabs/cidoctor/internal/report"
)

// An unopenable lock store must degrade to the in-memory fallback, leave a
// warning in the audit log, and still let the run complete.
func TestRuntimeAuditsLockStoreFallback(t *testing.T) {
	dir := t.TempDir()

	// A regular file where the lock store path expects a directory makes
	// the file backend fail to open, deterministically.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	auditPath := filepath.Join(dir, "audit.log")
	cfg := &config.Config{
		Cooldown:       15 * time.Minute,
		MaxActions:     10,
		HandlerTimeout: time.Second,
		Policies:       map[string]string{"network_error": "clear_cache_handler"},
		LockStore: config.LockStoreConfig{
			Backend: config.LockBackendFile,
			Path:    filepath.Join(blocker, "locks.json"),
		},
		Audit: config.AuditConfig{Path: auditPath},
	}

	rt, err := newRuntime(cfg, zap.NewNop())
	require.NoError(t, err)

	_, degraded := rt.store.(*lockstore.Memory)
	assert.True(t, degraded, "expected in-memory fallback store")

	events := []report.FailureEvent{
		{Type: "network_error", Resource: "build-job-7", Message: "dns lookup failed"},
	}
	summary := rt.dispatcher.Run(context.Background(), events, invoker.ModeDryRun)
	rt.close()

	assert.Equal(t, 1, summary.TotalExecuted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)

	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)

	var sawDegradation bool
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		msg, _ := entry["message"].(string)
		if entry["level"] == "warn" && strings.Contains(msg, "lock store unavailable") {
			sawDegradation = true
		}
	}
	assert.True(t, sawDegradation, "expected a lock store degradation warning in the audit log")
}

// A healthy backend must open the configured store, not the fallback.
func TestRuntimeOpensConfiguredStore(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Cooldown:       15 * time.Minute,
		MaxActions:     10,
		HandlerTimeout: time.Second,
		LockStore: config.LockStoreConfig{
			Backend: config.LockBackendFile,
			Path:    filepath.Join(dir, "locks.json"),
		},
		Audit: config.AuditConfig{Path: filepath.Join(dir, "audit.log")},
	}

	rt, err := newRuntime(cfg, zap.NewNop())
	require.NoError(t, err)
	defer rt.close()

	_, degraded := rt.store.(*lockstore.Memory)
	assert.False(t, degraded, "expected the configured file store")
}
