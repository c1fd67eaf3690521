// Package report parses structured CI failure reports.
//
// A report is a JSON document produced by the upstream log classifier. It
// contains an ordered list of failure events; the order is preserved because
// it determines action-cap and deduplication behavior downstream.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultPattern matches report files during auto-discovery.
const DefaultPattern = "ci-failures-*.json"

// ErrNoReports indicates no report file matched during auto-discovery.
var ErrNoReports = errors.New("no failure reports found")

// FailureEvent is a single classified CI failure.
//
// Events are immutable once parsed. Type selects the remediation policy,
// Resource is the pipeline or job the failure occurred on, and Message is
// free-text diagnostic context from the classifier.
type FailureEvent struct {
	Type     string `json:"type"`
	Resource string `json:"resource"`
	Message  string `json:"message"`
}

// Report is an ordered collection of failure events.
type Report struct {
	GeneratedAt time.Time      `json:"generated_at,omitempty"`
	Failures    []FailureEvent `json:"failures"`
}

// Load reads and validates a failure report from path.
//
// Any error returned here is fatal for a dispatcher run: a malformed report
// must abort before any dispatch happens.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report %s: %w", path, err)
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}

	for i, ev := range r.Failures {
		if ev.Type == "" {
			return nil, fmt.Errorf("report %s: failure %d has no type", path, i)
		}
		if ev.Resource == "" {
			return nil, fmt.Errorf("report %s: failure %d has no resource", path, i)
		}
	}

	return &r, nil
}

// Discover returns the most recently modified report file in dir matching
// pattern. An empty pattern uses DefaultPattern.
func Discover(dir, pattern string) (string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("scan report directory %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w in %s (pattern %s)", ErrNoReports, dir, pattern)
	}

	var newest string
	var newestMod time.Time
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = match
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("%w in %s (pattern %s)", ErrNoReports, dir, pattern)
	}
	return newest, nil
}
