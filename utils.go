package opscenario

import (
	"fmt"
	"strings"

	"github.com/ethereum-optimism/infra/op-scenario/runner"
	"github.com/ethereum-optimism/infra/op-scenario/types"
)

// getResultString returns a short marker for a scenario status
func getResultString(status types.Status, flaky bool) string {
	switch status {
	case types.StatusPassed:
		if flaky {
			return "✓ flaky"
		}
		return "✓ pass"
	case types.StatusSkipped:
		return "- skip"
	case types.StatusPending:
		return "? pending"
	case types.StatusUndefined:
		return "? undefined"
	case types.StatusAmbiguous:
		return "✗ ambiguous"
	default:
		return "✗ fail"
	}
}

// countsString lists the non-zero counters, eg. "3 passed, 1 failed".
func countsString(stats runner.ResultStats) string {
	var parts []string
	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, label))
		}
	}
	add(stats.Passed, "passed")
	add(stats.Failed, "failed")
	add(stats.Ambiguous, "ambiguous")
	add(stats.Undefined, "undefined")
	add(stats.Pending, "pending")
	add(stats.Skipped, "skipped")
	add(stats.Flaky, "flaky")
	if len(parts) == 0 {
		return "no scenarios"
	}
	return strings.Join(parts, ", ")
}

// extractKeyErrorMessage extracts the most pertinent line of a step message for display
func extractKeyErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	// Recovered panics carry a stack after the panic value.
	if idx := strings.Index(msg, "panic:"); idx != -1 {
		msg = msg[idx:]
	}
	if idx := strings.Index(msg, "\n"); idx != -1 {
		msg = msg[:idx]
	}
	if len(msg) > 80 {
		return msg[:77] + "..."
	}
	return msg
}
