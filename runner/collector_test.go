package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-scenario/types"
)

func stepFinished(startedID string, status types.Status, msg string) *types.Envelope {
	return &types.Envelope{TestStepFinished: &types.TestStepFinished{
		TestCaseStartedID: startedID,
		Result:            types.StepResult{Status: status, Message: msg},
	}}
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	start := time.Now()

	c.Handle(&types.Envelope{Pickle: &types.Scenario{ID: "p1", Name: "Flaky"}})
	c.Handle(&types.Envelope{Pickle: &types.Scenario{ID: "p2", Name: "Broken"}})
	c.Handle(&types.Envelope{TestCase: &types.TestCase{ID: "c1", PickleID: "p1"}})
	c.Handle(&types.Envelope{TestCase: &types.TestCase{ID: "c2", PickleID: "p2"}})
	c.Handle(&types.Envelope{TestCase: &types.TestCase{ID: "c3", PickleID: "unknown"}})

	// Attempts of different cases interleave, as they do when forwarded from workers.
	c.Handle(&types.Envelope{TestCaseStarted: &types.TestCaseStarted{ID: "s1", TestCaseID: "c1", WorkerID: "0", Timestamp: start}})
	c.Handle(&types.Envelope{TestCaseStarted: &types.TestCaseStarted{ID: "s2", TestCaseID: "c2", WorkerID: "1", Timestamp: start}})
	c.Handle(stepFinished("s1", types.StatusFailed, "first try"))
	c.Handle(&types.Envelope{Attachment: &types.Attachment{TestCaseStartedID: "s1", Body: "note"}})
	c.Handle(stepFinished("s2", types.StatusPassed, ""))
	c.Handle(stepFinished("s2", types.StatusUndefined, "undefined step"))
	c.Handle(stepFinished("s2", types.StatusFailed, "later"))

	first, ok := c.Attempt("s1")
	require.True(t, ok)
	assert.Equal(t, types.StatusFailed, first.Status)
	assert.Len(t, first.Attachments, 1)

	c.Handle(&types.Envelope{TestCaseFinished: &types.TestCaseFinished{TestCaseStartedID: "s1", WillBeRetried: true, Timestamp: start.Add(time.Second)}})
	c.Handle(&types.Envelope{TestCaseStarted: &types.TestCaseStarted{ID: "s3", TestCaseID: "c1", WorkerID: "2", Timestamp: start.Add(time.Second)}})
	c.Handle(stepFinished("s3", types.StatusPassed, ""))
	c.Handle(&types.Envelope{TestCaseFinished: &types.TestCaseFinished{TestCaseStartedID: "s3", Timestamp: start.Add(3 * time.Second)}})
	c.Handle(&types.Envelope{TestCaseFinished: &types.TestCaseFinished{TestCaseStartedID: "s2", Timestamp: start.Add(2 * time.Second)}})
	c.Handle(&types.Envelope{TestCaseStarted: &types.TestCaseStarted{ID: "s4", TestCaseID: "c3"}})
	c.Handle(&types.Envelope{TestCaseFinished: &types.TestCaseFinished{TestCaseStartedID: "s4"}})

	_, ok = c.Attempt("missing")
	assert.False(t, ok)

	results := c.Results()
	require.Len(t, results, 3)

	flaky := results[0]
	assert.Equal(t, "Flaky", flaky.Scenario.Name)
	assert.Equal(t, types.StatusPassed, flaky.Status)
	assert.Equal(t, 2, flaky.Attempts)
	assert.Equal(t, "2", flaky.WorkerID)
	assert.Empty(t, flaky.Attachments, "a new attempt replaces the previous one")
	assert.Empty(t, flaky.Message)
	assert.Equal(t, 2*time.Second, flaky.Duration)
	assert.True(t, flaky.Flaky())

	broken := results[1]
	assert.Equal(t, types.StatusFailed, broken.Status)
	assert.Equal(t, "undefined step", broken.Message, "the first step that did not pass explains the case")
	assert.Len(t, broken.Steps, 3)
	assert.False(t, broken.Flaky())

	empty := results[2]
	assert.Equal(t, "unknown", empty.Scenario.ID)
	assert.Equal(t, types.StatusPassed, empty.Status, "a case without steps passes")

	result := &RunResult{Cases: results}
	assert.Same(t, broken, result.Case("p2"))
	assert.Nil(t, result.Case("nope"))
}

func TestSummarize(t *testing.T) {
	cases := []*CaseResult{
		{Status: types.StatusPassed, Attempts: 1},
		{Status: types.StatusPassed, Attempts: 3},
		{Status: types.StatusFailed, Attempts: 1},
		{Status: types.StatusSkipped, Attempts: 1},
		{Status: types.StatusPending, Attempts: 1},
		{Status: types.StatusUndefined, Attempts: 1},
		{Status: types.StatusAmbiguous, Attempts: 1},
	}
	assert.Equal(t, ResultStats{
		Total: 7, Passed: 2, Failed: 1, Skipped: 1, Pending: 1, Undefined: 1, Ambiguous: 1, Flaky: 1,
	}, Summarize(cases))
}

func TestCausesFailure(t *testing.T) {
	tests := []struct {
		name   string
		cases  []*CaseResult
		strict bool
		want   bool
	}{
		{name: "no cases", want: false},
		{name: "all passed", cases: []*CaseResult{{Status: types.StatusPassed}, {Status: types.StatusSkipped}}, want: false},
		{name: "failed", cases: []*CaseResult{{Status: types.StatusFailed}}, want: true},
		{name: "failed but retried", cases: []*CaseResult{{Status: types.StatusFailed, WillBeRetried: true}}, want: false},
		{name: "ambiguous", cases: []*CaseResult{{Status: types.StatusAmbiguous}}, want: true},
		{name: "undefined strict", cases: []*CaseResult{{Status: types.StatusUndefined}}, strict: true, want: true},
		{name: "undefined lenient", cases: []*CaseResult{{Status: types.StatusUndefined}}, want: false},
		{name: "pending strict", cases: []*CaseResult{{Status: types.StatusPending}}, strict: true, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CausesFailure(tt.cases, tt.strict))
		})
	}
}
