package types

import (
	"slices"
	"strconv"
	"strings"
)

// KeywordType classifies a step by the keyword that introduced it.
// "And" and "But" steps inherit the type of the preceding step.
type KeywordType string

const (
	KeywordUnknown KeywordType = "unknown"
	KeywordContext KeywordType = "context" // Given
	KeywordAction  KeywordType = "action"  // When
	KeywordOutcome KeywordType = "outcome" // Then
)

// DocString is a multi-line argument attached to a step.
type DocString struct {
	MediaType string `json:"mediaType,omitempty"`
	Content   string `json:"content"`
}

// Step is one line of a scenario.
type Step struct {
	ID        string      `json:"id"`
	Text      string      `json:"text"`
	Type      KeywordType `json:"type"`
	DocString *DocString  `json:"docString,omitempty"`
	DataTable [][]string  `json:"dataTable,omitempty"`
}

// Scenario is one concrete test case, possibly one row of an expanded outline.
type Scenario struct {
	ID    string   `json:"id"`
	URI   string   `json:"uri"`
	// Line is the scenario's line, or the example row's line for an outline expansion.
	Line int `json:"line,omitempty"`
	// ScenarioLine is the line of the Scenario keyword.
	ScenarioLine int      `json:"scenarioLine,omitempty"`
	Name         string   `json:"name"`
	Tags         []string `json:"tags,omitempty"`
	Steps        []Step   `json:"steps"`
}

// Location returns "uri:line" for diagnostics.
func (s *Scenario) Location() string {
	if s.Line > 0 {
		return s.URI + ":" + strconv.Itoa(s.Line)
	}
	return s.URI
}

// DefinedAt reports whether the scenario, or the example row it was expanded from, starts
// on the given line.
func (s *Scenario) DefinedAt(line int) bool {
	return line > 0 && (s.Line == line || s.ScenarioLine == line)
}

// HasTag reports whether the scenario carries the tag. The leading '@' is optional.
func (s *Scenario) HasTag(tag string) bool {
	tag = NormalizeTag(tag)
	return slices.Contains(s.Tags, tag)
}

// NormalizeTag ensures a tag has its leading '@'.
func NormalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" || strings.HasPrefix(tag, "@") {
		return tag
	}
	return "@" + tag
}
