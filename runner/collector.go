package runner

import (
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-scenario/types"
)

var _ Sink = (*Collector)(nil)

// CaseResult is the outcome of one scenario, reconstructed from the event stream.
type CaseResult struct {
	Scenario   *types.Scenario
	TestCaseID string
	// Status is the worst step status of the last attempt.
	Status      types.Status
	Attempts    int
	WorkerID    string
	Duration    time.Duration
	Steps       []types.StepResult
	Attachments []types.Attachment
	// Message is the message of the first step that did not pass in the last attempt.
	Message string
	// WillBeRetried is the flag of the last attempt. It is only true when the stream was cut
	// short.
	WillBeRetried bool
}

// Flaky reports whether the scenario passed after at least one failed attempt.
func (c *CaseResult) Flaky() bool {
	return c.Attempts > 1 && c.Status == types.StatusPassed
}

// ResultStats tracks scenario statistics for a run
type ResultStats struct {
	Total     int
	Passed    int
	Failed    int
	Skipped   int
	Pending   int
	Undefined int
	Ambiguous int
	Flaky     int
	StartTime time.Time
	EndTime   time.Time
}

// RunResult captures the complete run
type RunResult struct {
	RunID    string
	Success  bool
	Cases    []*CaseResult
	Duration time.Duration
	Stats    ResultStats
	// Message explains an unsuccessful run that has no failing case, such as a crashed
	// worker or a failing run-level hook.
	Message string
}

// Case returns the result for a pickle ID.
func (r *RunResult) Case(pickleID string) *CaseResult {
	for _, c := range r.Cases {
		if c.Scenario != nil && c.Scenario.ID == pickleID {
			return c
		}
	}
	return nil
}

type attemptRecord struct {
	result *CaseResult
	start  time.Time
}

// Collector is a Sink that reconstructs case results from envelopes. It relies only on the
// identifiers the envelopes carry, so it works the same for serial runs and for envelopes
// forwarded by workers in arbitrary interleavings.
type Collector struct {
	mu        sync.Mutex
	pickles   map[string]*types.Scenario
	testCases map[string]*CaseResult
	attempts  map[string]*attemptRecord
	order     []*CaseResult
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		pickles:   make(map[string]*types.Scenario),
		testCases: make(map[string]*CaseResult),
		attempts:  make(map[string]*attemptRecord),
	}
}

func (c *Collector) Handle(env *types.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case env.Pickle != nil:
		c.pickles[env.Pickle.ID] = env.Pickle
	case env.TestCase != nil:
		cr := &CaseResult{Scenario: c.pickles[env.TestCase.PickleID], TestCaseID: env.TestCase.ID}
		if cr.Scenario == nil {
			cr.Scenario = &types.Scenario{ID: env.TestCase.PickleID}
		}
		c.testCases[env.TestCase.ID] = cr
		c.order = append(c.order, cr)
	case env.TestCaseStarted != nil:
		started := env.TestCaseStarted
		cr, ok := c.testCases[started.TestCaseID]
		if !ok {
			return
		}
		// A new attempt replaces whatever the previous one recorded.
		cr.Attempts++
		cr.WorkerID = started.WorkerID
		cr.Status = types.StatusUnknown
		cr.Steps = nil
		cr.Attachments = nil
		cr.Message = ""
		cr.WillBeRetried = false
		c.attempts[started.ID] = &attemptRecord{result: cr, start: started.Timestamp}
	case env.TestStepFinished != nil:
		rec, ok := c.attempts[env.TestStepFinished.TestCaseStartedID]
		if !ok {
			return
		}
		res := env.TestStepFinished.Result
		rec.result.Steps = append(rec.result.Steps, res)
		rec.result.Status = types.Worst(rec.result.Status, res.Status)
		if rec.result.Message == "" && res.Status.WorseThan(types.StatusPassed) && res.Message != "" {
			rec.result.Message = res.Message
		}
	case env.Attachment != nil:
		if rec, ok := c.attempts[env.Attachment.TestCaseStartedID]; ok {
			rec.result.Attachments = append(rec.result.Attachments, *env.Attachment)
		}
	case env.TestCaseFinished != nil:
		rec, ok := c.attempts[env.TestCaseFinished.TestCaseStartedID]
		if !ok {
			return
		}
		rec.result.WillBeRetried = env.TestCaseFinished.WillBeRetried
		rec.result.Duration = env.TestCaseFinished.Timestamp.Sub(rec.start)
		if rec.result.Status == types.StatusUnknown {
			// A case without steps or hooks passes.
			rec.result.Status = types.StatusPassed
		}
	}
}

// Results returns the case results in the order their test cases were announced.
func (c *Collector) Results() []*CaseResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*CaseResult(nil), c.order...)
}

// Summarize counts case outcomes.
func Summarize(cases []*CaseResult) ResultStats {
	var stats ResultStats
	for _, c := range cases {
		stats.Total++
		if c.Flaky() {
			stats.Flaky++
		}
		switch c.Status {
		case types.StatusPassed:
			stats.Passed++
		case types.StatusFailed:
			stats.Failed++
		case types.StatusSkipped:
			stats.Skipped++
		case types.StatusPending:
			stats.Pending++
		case types.StatusUndefined:
			stats.Undefined++
		case types.StatusAmbiguous:
			stats.Ambiguous++
		}
	}
	return stats
}

// CausesFailure reports whether any case outcome fails the run.
func CausesFailure(cases []*CaseResult, strict bool) bool {
	for _, c := range cases {
		if types.ShouldCauseFailure(c.Status, c.WillBeRetried, strict) {
			return true
		}
	}
	return false
}

// Attempt returns the case result an attempt is recorded into. The result reflects the
// attempt only until the next attempt of the same case starts.
func (c *Collector) Attempt(testCaseStartedID string) (*CaseResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.attempts[testCaseStartedID]
	if !ok {
		return nil, false
	}
	return rec.result, true
}
