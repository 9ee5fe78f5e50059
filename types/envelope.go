package types

import (
	"time"
)

// StepResult captures the outcome of a single hook or step invocation
type StepResult struct {
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message,omitempty"` // Error text, timeout or ambiguity detail
	TimedOut bool          `json:"timedOut,omitempty"`
}

// TestStepKind distinguishes hook steps from pickle steps in a test case plan
type TestStepKind string

const (
	TestStepHook   TestStepKind = "hook"
	TestStepPickle TestStepKind = "pickle"
)

// TestStep is one entry of a test case plan.
type TestStep struct {
	ID                string       `json:"id"`
	Kind              TestStepKind `json:"kind"`
	HookID            string       `json:"hookId,omitempty"`
	PickleStepID      string       `json:"pickleStepId,omitempty"`
	StepDefinitionIDs []string     `json:"stepDefinitionIds,omitempty"`
}

// TestCase is the assembled execution plan for one scenario.
type TestCase struct {
	ID        string     `json:"id"`
	PickleID  string     `json:"pickleId"`
	TestSteps []TestStep `json:"testSteps"`
}

type TestRunStarted struct {
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
}

type TestCaseStarted struct {
	ID         string    `json:"id"`
	TestCaseID string    `json:"testCaseId"`
	Attempt    int       `json:"attempt"`
	WorkerID   string    `json:"workerId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type TestStepStarted struct {
	TestCaseStartedID string    `json:"testCaseStartedId"`
	TestStepID        string    `json:"testStepId"`
	Timestamp         time.Time `json:"timestamp"`
}

type TestStepFinished struct {
	TestCaseStartedID string     `json:"testCaseStartedId"`
	TestStepID        string     `json:"testStepId"`
	Result            StepResult `json:"testStepResult"`
	Timestamp         time.Time  `json:"timestamp"`
}

type TestCaseFinished struct {
	TestCaseStartedID string    `json:"testCaseStartedId"`
	WillBeRetried     bool      `json:"willBeRetried"`
	Timestamp         time.Time `json:"timestamp"`
}

// Attachment is data a handler attached to the step it is running in.
type Attachment struct {
	TestCaseStartedID string `json:"testCaseStartedId"`
	TestStepID        string `json:"testStepId"`
	Body              string `json:"body"`
	ContentEncoding   string `json:"contentEncoding"` // IDENTITY or BASE64
	MediaType         string `json:"mediaType"`
}

type TestRunFinished struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is one event of the execution event stream. Exactly one field is set.
type Envelope struct {
	TestRunStarted   *TestRunStarted   `json:"testRunStarted,omitempty"`
	Pickle           *Scenario         `json:"pickle,omitempty"`
	TestCase         *TestCase         `json:"testCase,omitempty"`
	TestCaseStarted  *TestCaseStarted  `json:"testCaseStarted,omitempty"`
	TestStepStarted  *TestStepStarted  `json:"testStepStarted,omitempty"`
	TestStepFinished *TestStepFinished `json:"testStepFinished,omitempty"`
	Attachment       *Attachment       `json:"attachment,omitempty"`
	TestCaseFinished *TestCaseFinished `json:"testCaseFinished,omitempty"`
	TestRunFinished  *TestRunFinished  `json:"testRunFinished,omitempty"`
}

// Kind names the populated field, for logging.
func (e *Envelope) Kind() string {
	switch {
	case e.TestRunStarted != nil:
		return "testRunStarted"
	case e.Pickle != nil:
		return "pickle"
	case e.TestCase != nil:
		return "testCase"
	case e.TestCaseStarted != nil:
		return "testCaseStarted"
	case e.TestStepStarted != nil:
		return "testStepStarted"
	case e.TestStepFinished != nil:
		return "testStepFinished"
	case e.Attachment != nil:
		return "attachment"
	case e.TestCaseFinished != nil:
		return "testCaseFinished"
	case e.TestRunFinished != nil:
		return "testRunFinished"
	}
	return "empty"
}
