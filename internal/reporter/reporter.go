// Package reporter renders run summaries for machines and operators.
package reporter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/cidoctor/internal/dispatcher"
	"github.com/fyrsmithlabs/cidoctor/internal/invoker"
)

// Format selects the rendering of a run summary.
type Format string

const (
	// FormatStructured is machine-readable indented JSON.
	FormatStructured Format = "structured"
	// FormatNarrative is human-readable text that lists every outcome
	// with its concrete reason, so an operator can tell "nothing needed
	// doing" from "a guard intervened" from "an action failed".
	FormatNarrative Format = "narrative"
)

// ParseFormat validates a format string from the CLI.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatStructured:
		return FormatStructured, nil
	case FormatNarrative:
		return FormatNarrative, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want %s or %s)", s, FormatStructured, FormatNarrative)
	}
}

// Render produces the textual form of a summary. It is a pure function:
// the same summary and format always produce the same string.
func Render(summary *dispatcher.Summary, format Format) (string, error) {
	if summary == nil {
		return "", fmt.Errorf("summary is required")
	}
	switch format {
	case FormatStructured:
		return renderStructured(summary)
	case FormatNarrative:
		return renderNarrative(summary), nil
	default:
		return "", fmt.Errorf("unknown output format %q", format)
	}
}

func renderStructured(summary *dispatcher.Summary) (string, error) {
	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode summary: %w", err)
	}
	return string(encoded) + "\n", nil
}

func renderNarrative(summary *dispatcher.Summary) string {
	var b strings.Builder

	mode := "apply"
	if summary.Mode == invoker.ModeDryRun {
		mode = "dry-run"
	}

	fmt.Fprintf(&b, "Remediation run %s (%s mode)\n", summary.RunID, mode)
	fmt.Fprintf(&b, "Started: %s\n", summary.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Events: %d total, %d executed, %d succeeded, %d failed, %d skipped\n",
		len(summary.Outcomes), summary.TotalExecuted, summary.Succeeded, summary.Failed, summary.Skipped)

	if len(summary.Outcomes) == 0 {
		b.WriteString("\nNo failure events in report; nothing to do.\n")
		return b.String()
	}

	b.WriteString("\n")
	for i, outcome := range summary.Outcomes {
		fmt.Fprintf(&b, "%2d. [%s] %s on %s", i+1, statusLabel(outcome.Status), outcome.Event.Type, outcome.Event.Resource)
		switch outcome.Status {
		case dispatcher.StatusSkipped:
			fmt.Fprintf(&b, " - skipped: %s", outcome.Reason)
		case dispatcher.StatusSucceeded:
			fmt.Fprintf(&b, " - handler %s", outcome.HandlerID)
			if outcome.Reason == "simulated" {
				b.WriteString(" (simulated)")
			}
		case dispatcher.StatusFailed:
			fmt.Fprintf(&b, " - handler %s failed", outcome.HandlerID)
			if outcome.Reason != "" {
				fmt.Fprintf(&b, ": %s", outcome.Reason)
			}
		}
		b.WriteString("\n")
	}

	if summary.HasFailures() {
		fmt.Fprintf(&b, "\n%d remediation(s) FAILED; see audit log for details.\n", summary.Failed)
	}
	return b.String()
}

func statusLabel(status dispatcher.Status) string {
	switch status {
	case dispatcher.StatusSucceeded:
		return "OK"
	case dispatcher.StatusFailed:
		return "FAIL"
	case dispatcher.StatusSkipped:
		return "SKIP"
	default:
		return string(status)
	}
}
