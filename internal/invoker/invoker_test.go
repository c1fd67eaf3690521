package invoker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/cidoctor/internal/report"
)

// writeHandler creates an executable shell script acting as a handler.
func writeHandler(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func testEvent() report.FailureEvent {
	return report.FailureEvent{Type: "network_error", Resource: "build-job-7", Message: "connection reset"}
}

func TestInvokeSuccess(t *testing.T) {
	dir := t.TempDir()
	path := writeHandler(t, dir, "clear_cache", `echo "cache cleared"; exit 0`)

	inv := New(map[string]string{"clear_cache_handler": path}, time.Minute, nil)
	result := inv.Invoke(context.Background(), "clear_cache_handler", testEvent(), ModeApply)

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Empty(t, result.Reason)
	assert.Contains(t, result.Output, "cache cleared")
}

func TestInvokeReceivesEventOnStdin(t *testing.T) {
	dir := t.TempDir()
	path := writeHandler(t, dir, "echoer", `cat; exit 0`)

	inv := New(map[string]string{"echo_handler": path}, time.Minute, nil)
	result := inv.Invoke(context.Background(), "echo_handler", testEvent(), ModeApply)

	require.Equal(t, StatusSucceeded, result.Status)
	assert.Contains(t, result.Output, `"type":"network_error"`)
	assert.Contains(t, result.Output, `"resource":"build-job-7"`)
}

func TestInvokeNonzeroExit(t *testing.T) {
	dir := t.TempDir()
	path := writeHandler(t, dir, "failing", `echo "no permission to clear cache" >&2; exit 3`)

	inv := New(map[string]string{"clear_cache_handler": path}, time.Minute, nil)
	result := inv.Invoke(context.Background(), "clear_cache_handler", testEvent(), ModeApply)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, ReasonNonzeroExit, result.Reason)
	assert.Contains(t, result.Output, "no permission")
}

func TestInvokeTimeout(t *testing.T) {
	dir := t.TempDir()
	path := writeHandler(t, dir, "slow", `sleep 5; exit 0`)

	inv := New(map[string]string{"slow_handler": path}, 100*time.Millisecond, nil)
	result := inv.Invoke(context.Background(), "slow_handler", testEvent(), ModeApply)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, ReasonTimeout, result.Reason)
}

func TestInvokeMissingBinary(t *testing.T) {
	inv := New(map[string]string{"ghost_handler": filepath.Join(t.TempDir(), "nope")}, time.Minute, nil)
	result := inv.Invoke(context.Background(), "ghost_handler", testEvent(), ModeApply)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, ReasonSpawnFailed, result.Reason)
}

func TestInvokeUnconfiguredHandler(t *testing.T) {
	inv := New(nil, time.Minute, nil)
	result := inv.Invoke(context.Background(), "unknown_handler", testEvent(), ModeApply)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, ReasonNotConfigured, result.Reason)
}

func TestInvokeDryRun(t *testing.T) {
	// No handler configured at all: dry-run must not care, it spawns nothing.
	inv := New(nil, time.Minute, nil)
	result := inv.Invoke(context.Background(), "clear_cache_handler", testEvent(), ModeDryRun)

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, "simulated", result.Reason)
	assert.Contains(t, result.Output, "simulated invocation of clear_cache_handler")
}

func TestInvokeDryRunDeterministic(t *testing.T) {
	inv := New(nil, time.Minute, nil)
	first := inv.Invoke(context.Background(), "h", testEvent(), ModeDryRun)
	second := inv.Invoke(context.Background(), "h", testEvent(), ModeDryRun)
	assert.Equal(t, first, second)
}

func TestNewDefaults(t *testing.T) {
	inv := New(nil, 0, nil)
	assert.Equal(t, DefaultTimeout, inv.Timeout())
}
