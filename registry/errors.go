package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoScenarioContext is returned when a binding needs an owner instance but no scenario
// context is active. It indicates a wiring bug in the runner, never a test failure.
var ErrNoScenarioContext = errors.New("no scenario context found")

// AmbiguousError reports a step matched by more than one binding.
type AmbiguousError struct {
	Text       string
	Candidates []*StepBinding
}

func (e *AmbiguousError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "multiple step definitions match %q:", e.Text)
	for _, c := range e.Candidates {
		fmt.Fprintf(&b, "\n  %s", c)
	}
	return b.String()
}

// Origins returns the origin of every candidate, in registration order.
func (e *AmbiguousError) Origins() []string {
	origins := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		origins[i] = c.Origin
	}
	return origins
}

// NoBindingError reports a step whose text matched a registered pattern while none of the
// pattern's bindings applies to the scenario's tags. Unlike an undefined step this is a
// configuration error: the definition exists but nothing can service it.
type NoBindingError struct {
	Text    string
	Pattern string
	Tags    []string
}

func (e *NoBindingError) Error() string {
	return fmt.Sprintf("%s: step %q matches %s but no binding applies to tags %v",
		ErrNoScenarioContext, e.Text, e.Pattern, e.Tags)
}

// Unwrap lets errors.Is(err, ErrNoScenarioContext) match.
func (e *NoBindingError) Unwrap() error { return ErrNoScenarioContext }

// IsAmbiguous reports whether err is an *AmbiguousError.
func IsAmbiguous(err error) bool {
	var amb *AmbiguousError
	return errors.As(err, &amb)
}
