package opscenario

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-scenario/runner"
	"github.com/ethereum-optimism/infra/op-scenario/types"
)

func sampleResult() *runner.RunResult {
	deposits := "features/deposits.feature"
	withdrawals := "features/withdrawals.feature"
	cases := []*runner.CaseResult{
		{
			Scenario: &types.Scenario{URI: deposits, Line: 3, Name: "Deposit ETH"},
			Status:   types.StatusPassed,
			Attempts: 1,
			WorkerID: "0",
			Duration: 1200 * time.Millisecond,
		},
		{
			Scenario: &types.Scenario{URI: withdrawals, Line: 7, Name: "Withdraw ETH"},
			Status:   types.StatusFailed,
			Attempts: 2,
			WorkerID: "1",
			Duration: 300 * time.Millisecond,
			Message:  "expected balance 5, got 4\n  at steps.go:12",
		},
		{
			Scenario: &types.Scenario{URI: deposits, Line: 9, Name: "Deposit ERC20"},
			Status:   types.StatusPassed,
			Attempts: 2,
			WorkerID: "1",
		},
	}
	return &runner.RunResult{
		RunID:    "run-1",
		Cases:    cases,
		Duration: 2 * time.Second,
		Stats:    runner.Summarize(cases),
	}
}

func TestRenderResults(t *testing.T) {
	out := RenderResults(sampleResult())

	assert.Contains(t, out, "Scenario Results (2.0s)")
	assert.Contains(t, out, "features/deposits.feature")
	assert.Contains(t, out, "├─ deposits.feature:3 Deposit ETH")
	assert.Contains(t, out, "└─ deposits.feature:9 Deposit ERC20")
	assert.Contains(t, out, "└─ withdrawals.feature:7 Withdraw ETH")
	assert.Contains(t, out, "✓ flaky")
	assert.Contains(t, out, "✗ fail")
	assert.Contains(t, out, "expected balance 5, got 4")
	assert.NotContains(t, out, "steps.go:12", "only the first line of a message is shown")
	assert.Contains(t, out, "3 SCENARIOS")
	assert.Contains(t, out, "Run run-1 FAILED: 2 passed, 1 failed, 1 flaky")
	assert.Equal(t, out, stripansi.Strip(out), "rendered results must not contain colors")

	// Features keep the order in which they first appear.
	assert.Less(t, strings.Index(out, "deposits.feature:9"), strings.Index(out, "withdrawals.feature:7"))
}

func TestConsoleResultFormatter_FormatResults(t *testing.T) {
	tests := []struct {
		name    string
		result  *runner.RunResult
		verdict string
	}{
		{
			name:    "failing run",
			result:  sampleResult(),
			verdict: "Run run-1 FAILED",
		},
		{
			name: "passing run",
			result: &runner.RunResult{
				RunID:   "run-2",
				Success: true,
				Stats:   runner.ResultStats{Total: 1, Passed: 1},
				Cases: []*runner.CaseResult{{
					Scenario: &types.Scenario{URI: "a.feature", Line: 1, Name: "A"},
					Status:   types.StatusPassed,
					Attempts: 1,
				}},
			},
			verdict: "Run run-2 PASSED: 1 passed",
		},
		{
			name: "broken run without cases",
			result: &runner.RunResult{
				RunID:   "run-3",
				Message: "worker 0 exited unexpectedly",
			},
			verdict: "Run run-3 FAILED: no scenarios (worker 0 exited unexpectedly)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			f := &ConsoleResultFormatter{logger: testLogger(), out: &buf}
			require.NoError(t, f.FormatResults(tt.result))
			assert.Contains(t, stripansi.Strip(buf.String()), tt.verdict)
		})
	}
}

func TestExtractKeyErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{name: "empty", msg: "", want: ""},
		{name: "single line", msg: "boom", want: "boom"},
		{name: "first line only", msg: "boom\nstack", want: "boom"},
		{name: "panic value", msg: "step failed: panic: nil map\ngoroutine 1", want: "panic: nil map"},
		{name: "truncated", msg: strings.Repeat("x", 100), want: strings.Repeat("x", 77) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractKeyErrorMessage(tt.msg))
		})
	}
}

func TestCountsString(t *testing.T) {
	assert.Equal(t, "no scenarios", countsString(runner.ResultStats{}))
	assert.Equal(t, "1 passed, 2 undefined, 3 skipped", countsString(runner.ResultStats{Passed: 1, Undefined: 2, Skipped: 3}))
}

func TestGetResultString(t *testing.T) {
	assert.Equal(t, "✓ pass", getResultString(types.StatusPassed, false))
	assert.Equal(t, "✓ flaky", getResultString(types.StatusPassed, true))
	assert.Equal(t, "? undefined", getResultString(types.StatusUndefined, false))
	assert.Equal(t, "✗ ambiguous", getResultString(types.StatusAmbiguous, false))
	assert.Equal(t, "✗ fail", getResultString(types.StatusFailed, false))
}
