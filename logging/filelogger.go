package logging

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum-optimism/infra/op-scenario/runner"
	"github.com/ethereum-optimism/infra/op-scenario/types"
	"github.com/ethereum/go-ethereum/log"
)

const (
	RunDirectoryPrefix = "testrun-" // Standardized prefix for run directories
	FailedDirectory    = "failed"
	SummaryLog         = "summary.log"
)

var _ runner.Sink = (*FileLogger)(nil)

// FileLogger writes the artifacts of one run under <baseDir>/testrun-<runID>: the raw
// envelope stream, one log per attempt that did not pass, and a summary.
type FileLogger struct {
	logDir      string
	failedDir   string
	summaryFile string
	eventsFile  string
	runID       string
	log         log.Logger

	collector *runner.Collector
	events    *NDJSONSink

	mu           sync.Mutex
	asyncWriters map[string]*AsyncFile
	plans        map[string]*types.TestCase
	started      map[string]*types.TestCaseStarted
	stepOrder    map[string][]string // testCaseStartedID -> finished test step IDs
	failedLogs   []string
	errs         []error
}

// NewFileLogger creates the run directory and opens the events log.
func NewFileLogger(baseDir, runID string, logger log.Logger) (*FileLogger, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir cannot be empty")
	}
	if logger == nil {
		logger = log.New()
	}

	logDir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	failedDir := filepath.Join(logDir, FailedDirectory)
	if err := os.MkdirAll(failedDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", failedDir, err)
	}

	l := &FileLogger{
		logDir:       logDir,
		failedDir:    failedDir,
		summaryFile:  filepath.Join(logDir, SummaryLog),
		eventsFile:   filepath.Join(logDir, EventsLog),
		runID:        runID,
		log:          logger.New("component", "filelogger"),
		collector:    runner.NewCollector(),
		asyncWriters: make(map[string]*AsyncFile),
		plans:        make(map[string]*types.TestCase),
		started:      make(map[string]*types.TestCaseStarted),
		stepOrder:    make(map[string][]string),
	}
	events, err := l.getAsyncWriter(l.eventsFile)
	if err != nil {
		return nil, err
	}
	l.events = NewNDJSONSink(events)
	return l, nil
}

// getAsyncWriter gets or creates an AsyncFile for the given path
func (l *FileLogger) getAsyncWriter(path string) (*AsyncFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if writer, exists := l.asyncWriters[path]; exists {
		return writer, nil
	}
	writer, err := NewAsyncFile(path)
	if err != nil {
		return nil, err
	}
	l.asyncWriters[path] = writer
	return writer, nil
}

func (l *FileLogger) closeAllWriters() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for path, writer := range l.asyncWriters {
		if err := writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", path, err))
		}
	}
	l.asyncWriters = make(map[string]*AsyncFile)
	return errors.Join(errs...)
}

func (l *FileLogger) recordErr(err error) {
	l.log.Error("Failed to write run log", "err", err)
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

// Handle records the envelope in the events log and writes a failure log when an attempt
// finishes without passing.
func (l *FileLogger) Handle(env *types.Envelope) {
	l.collector.Handle(env)
	l.events.Handle(env)

	l.mu.Lock()
	switch {
	case env.TestCase != nil:
		l.plans[env.TestCase.ID] = env.TestCase
	case env.TestCaseStarted != nil:
		l.started[env.TestCaseStarted.ID] = env.TestCaseStarted
	case env.TestStepFinished != nil:
		id := env.TestStepFinished.TestCaseStartedID
		l.stepOrder[id] = append(l.stepOrder[id], env.TestStepFinished.TestStepID)
	}
	l.mu.Unlock()

	if env.TestCaseFinished != nil {
		if err := l.logAttempt(env.TestCaseFinished); err != nil {
			l.recordErr(err)
		}
	}
}

func (l *FileLogger) logAttempt(finished *types.TestCaseFinished) error {
	cr, ok := l.collector.Attempt(finished.TestCaseStartedID)
	if !ok || cr.Status == types.StatusPassed || cr.Status == types.StatusSkipped {
		return nil
	}

	l.mu.Lock()
	started := l.started[finished.TestCaseStartedID]
	plan := l.plans[cr.TestCaseID]
	stepIDs := l.stepOrder[finished.TestCaseStartedID]
	delete(l.stepOrder, finished.TestCaseStartedID)
	l.mu.Unlock()

	attempt := 0
	if started != nil {
		attempt = started.Attempt
	}
	name := scenarioFilename(cr.Scenario)
	if attempt > 0 {
		name += fmt.Sprintf("_attempt%d", attempt+1)
	}
	file := filepath.Join(l.failedDir, name+".log")

	writer, err := l.getAsyncWriter(file)
	if err != nil {
		return err
	}
	content := formatAttempt(cr, attempt, finished.WillBeRetried, stepLabels(cr.Scenario, plan), stepIDs)
	if _, err := writer.Write([]byte(content)); err != nil {
		return err
	}

	l.mu.Lock()
	l.failedLogs = append(l.failedLogs, file)
	l.mu.Unlock()
	l.log.Debug("Wrote failure log", "scenario", cr.Scenario.Name, "file", file)
	return nil
}

// LogSummary writes the run summary.
func (l *FileLogger) LogSummary(summary string) error {
	writer, err := l.getAsyncWriter(l.summaryFile)
	if err != nil {
		return err
	}
	_, err = writer.Write([]byte(stripansi.Strip(summary)))
	return err
}

// Complete flushes and closes every file. It returns the write errors seen during the run.
func (l *FileLogger) Complete() error {
	closeErr := l.closeAllWriters()

	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Join(errors.Join(l.errs...), l.events.Err(), closeErr)
}

// Results returns the case results reconstructed from the logged envelopes.
func (l *FileLogger) Results() []*runner.CaseResult {
	return l.collector.Results()
}

// FailedLogs returns the failure logs written so far.
func (l *FileLogger) FailedLogs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.failedLogs...)
}

func (l *FileLogger) RunID() string       { return l.runID }
func (l *FileLogger) Dir() string         { return l.logDir }
func (l *FileLogger) FailedDir() string   { return l.failedDir }
func (l *FileLogger) SummaryFile() string { return l.summaryFile }
func (l *FileLogger) EventsFile() string  { return l.eventsFile }

// stepLabels maps test step IDs to readable labels.
func stepLabels(sc *types.Scenario, plan *types.TestCase) map[string]string {
	labels := make(map[string]string)
	if plan == nil {
		return labels
	}
	texts := make(map[string]string)
	if sc != nil {
		for _, s := range sc.Steps {
			texts[s.ID] = s.Text
		}
	}
	for _, ts := range plan.TestSteps {
		if ts.Kind == types.TestStepHook {
			labels[ts.ID] = "hook " + ts.HookID
			continue
		}
		labels[ts.ID] = texts[ts.PickleStepID]
	}
	return labels
}

func formatAttempt(cr *runner.CaseResult, attempt int, willBeRetried bool, labels map[string]string, stepIDs []string) string {
	sc := cr.Scenario
	var content strings.Builder

	fmt.Fprintf(&content, "┌─────────────────────────────────────────────────────────────────────┐\n")
	fmt.Fprintf(&content, "│ SCENARIO: %-58s │\n", truncateString(sc.Name, 58))
	fmt.Fprintf(&content, "├─────────────────────────────────────────────────────────────────────┤\n")
	fmt.Fprintf(&content, "│ Status:   %-58s │\n", cr.Status)
	fmt.Fprintf(&content, "│ Location: %-58s │\n", truncateString(sc.Location(), 58))
	fmt.Fprintf(&content, "│ Tags:     %-58s │\n", truncateString(strings.Join(sc.Tags, " "), 58))
	fmt.Fprintf(&content, "│ Attempt:  %-58d │\n", attempt+1)
	if cr.WorkerID != "" {
		fmt.Fprintf(&content, "│ Worker:   %-58s │\n", truncateString(cr.WorkerID, 58))
	}
	fmt.Fprintf(&content, "│ Duration: %-58s │\n", formatDuration(cr.Duration))
	fmt.Fprintf(&content, "└─────────────────────────────────────────────────────────────────────┘\n\n")

	if willBeRetried {
		fmt.Fprintf(&content, "This attempt will be retried.\n\n")
	}

	fmt.Fprintf(&content, "STEPS:\n")
	fmt.Fprintf(&content, "~~~~~~\n")
	for i, res := range cr.Steps {
		label := ""
		if i < len(stepIDs) {
			label = labels[stepIDs[i]]
		}
		fmt.Fprintf(&content, "  %-9s %s (%s)\n", res.Status, label, formatDuration(res.Duration))
		if res.Message != "" {
			fmt.Fprintf(&content, "%s\n", indentText(stripansi.Strip(res.Message), "      "))
		}
	}

	if len(cr.Attachments) > 0 {
		fmt.Fprintf(&content, "\nATTACHMENTS:\n")
		fmt.Fprintf(&content, "~~~~~~~~~~~~\n")
		for _, a := range cr.Attachments {
			fmt.Fprintf(&content, "  [%s]\n", a.MediaType)
			fmt.Fprintf(&content, "%s\n", indentText(attachmentText(a), "    "))
		}
	}
	return content.String()
}

// attachmentText renders text attachments inline and summarizes binary ones.
func attachmentText(a types.Attachment) string {
	if a.ContentEncoding == "BASE64" {
		raw, err := base64.StdEncoding.DecodeString(a.Body)
		if err != nil {
			return fmt.Sprintf("<undecodable attachment: %v>", err)
		}
		return fmt.Sprintf("<%d bytes>", len(raw))
	}
	return stripansi.Strip(a.Body)
}

func scenarioFilename(sc *types.Scenario) string {
	if sc == nil {
		return "unknown"
	}
	base := strings.TrimSuffix(path.Base(sc.URI), ".feature")
	name := fmt.Sprintf("%s_%d_%s", base, sc.Line, sc.Name)
	return safeFilename(name)
}

// safeFilename converts a string to a safe filename by replacing problematic characters
func safeFilename(s string) string {
	s = strings.ReplaceAll(s, "...", "")
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, s)
}

// indentText adds indentation to each non-empty line.
func indentText(text, indent string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = indent + line
		}
	}
	return strings.Join(lines, "\n")
}

// truncateString truncates a string to the specified max length
// and adds an ellipsis if needed
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}
