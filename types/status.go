// Package types contains the scenario model, result ranking and event vocabulary shared
// across the scenario runner, its workers and its reporters.
package types

import (
	"fmt"
	"strings"
)

// Status is the outcome of a step, hook or test case.
//
// Statuses are totally ordered by severity. Skip and retry decisions compare statuses, so the
// numeric order below is load-bearing:
//
//	UNKNOWN < PASSED < SKIPPED < PENDING < UNDEFINED < AMBIGUOUS < FAILED
type Status int

const (
	StatusUnknown Status = iota
	StatusPassed
	StatusSkipped
	StatusPending
	StatusUndefined
	StatusAmbiguous
	StatusFailed
)

var statusNames = [...]string{
	StatusUnknown:   "UNKNOWN",
	StatusPassed:    "PASSED",
	StatusSkipped:   "SKIPPED",
	StatusPending:   "PENDING",
	StatusUndefined: "UNDEFINED",
	StatusAmbiguous: "AMBIGUOUS",
	StatusFailed:    "FAILED",
}

// String implements the Stringer interface for Status
func (s Status) String() string {
	if s < StatusUnknown || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(name string) (Status, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range statusNames {
		if n == upper {
			return Status(i), nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown status %q", name)
}

// MarshalText encodes the status by name so envelopes stay readable on the wire.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// WorseThan reports whether s ranks strictly above other.
func (s Status) WorseThan(other Status) bool {
	return s > other
}

// Worst returns the highest-ranked status of the given ones, or StatusUnknown for none.
func Worst(statuses ...Status) Status {
	worst := StatusUnknown
	for _, s := range statuses {
		if s > worst {
			worst = s
		}
	}
	return worst
}

// ShouldCauseFailure reports whether a final test case status makes the run unsuccessful.
// A case that will be retried never fails the run. Undefined and pending steps only fail
// the run in strict mode.
func ShouldCauseFailure(status Status, willBeRetried, strict bool) bool {
	if willBeRetried {
		return false
	}
	switch status {
	case StatusFailed, StatusAmbiguous:
		return true
	case StatusUndefined, StatusPending:
		return strict
	default:
		return false
	}
}
