package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/cidoctor/internal/dispatcher"
)

func TestNewValidation(t *testing.T) {
	run := func(context.Context, string) (*dispatcher.Summary, error) { return &dispatcher.Summary{}, nil }

	_, err := New(Config{Pattern: "*.json", Run: run})
	assert.Error(t, err)

	_, err = New(Config{Dir: t.TempDir(), Run: run})
	assert.Error(t, err)

	_, err = New(Config{Dir: t.TempDir(), Pattern: "*.json"})
	assert.Error(t, err)

	w, err := New(Config{Dir: t.TempDir(), Pattern: "*.json", Run: run})
	require.NoError(t, err)
	assert.Equal(t, DefaultSettle, w.settle)
}

func TestWatcherDispatchesNewReport(t *testing.T) {
	dir := t.TempDir()
	got := make(chan string, 4)

	w, err := New(Config{
		Dir:     dir,
		Pattern: "ci-failures-*.json",
		Settle:  50 * time.Millisecond,
		Run: func(_ context.Context, path string) (*dispatcher.Summary, error) {
			got <- path
			return &dispatcher.Summary{
				Outcomes: []dispatcher.Outcome{
					{Status: dispatcher.StatusSucceeded},
					{Status: dispatcher.StatusSkipped},
				},
			}, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// Let the watcher install itself before writing.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(dir, "ci-failures-20260830.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"failures": []}`), 0o644))

	select {
	case dispatched := <-got:
		assert.Equal(t, path, dispatched)
	case <-time.After(5 * time.Second):
		t.Fatal("report was never dispatched")
	}

	// Counters reflect the completed run.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(w.runsTotal.WithLabelValues("ok")) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(w.outcomesTotal.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(w.outcomesTotal.WithLabelValues("skipped")))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherIgnoresNonMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	got := make(chan string, 4)

	w, err := New(Config{
		Dir:     dir,
		Pattern: "ci-failures-*.json",
		Settle:  50 * time.Millisecond,
		Run: func(_ context.Context, path string) (*dispatcher.Summary, error) {
			got <- path
			return &dispatcher.Summary{}, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644))

	select {
	case path := <-got:
		t.Fatalf("unexpected dispatch for %s", path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherCountsFailedRuns(t *testing.T) {
	dir := t.TempDir()
	ran := make(chan struct{}, 1)

	w, err := New(Config{
		Dir:     dir,
		Pattern: "*.json",
		Settle:  50 * time.Millisecond,
		Run: func(context.Context, string) (*dispatcher.Summary, error) {
			ran <- struct{}{}
			return nil, errors.New("report unreadable")
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "r.json"), []byte("{"), 0o644))

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("run callback never fired")
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(w.runsTotal.WithLabelValues("error")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWatcherMissingDir(t *testing.T) {
	w, err := New(Config{
		Dir:     filepath.Join(t.TempDir(), "absent"),
		Pattern: "*.json",
		Run:     func(context.Context, string) (*dispatcher.Summary, error) { return &dispatcher.Summary{}, nil },
	})
	require.NoError(t, err)

	err = w.Start(context.Background())
	assert.Error(t, err)
}
