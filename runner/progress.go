package runner

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-scenario/types"
	"github.com/ethereum/go-ethereum/log"
)

// ProgressIndicator follows the event stream and reports run progress.
type ProgressIndicator interface {
	Sink
	StartRun(runID string, totalScenarios int)
	CompleteRun()
	Stop()
}

// noOpProgressIndicator provides a no-op implementation of ProgressIndicator
type noOpProgressIndicator struct{}

// NewNoOpProgressIndicator creates a progress indicator that does nothing
func NewNoOpProgressIndicator() ProgressIndicator {
	return &noOpProgressIndicator{}
}

func (n *noOpProgressIndicator) Handle(*types.Envelope) {}
func (n *noOpProgressIndicator) StartRun(string, int)   {}
func (n *noOpProgressIndicator) CompleteRun()           {}
func (n *noOpProgressIndicator) Stop()                  {}

type runningScenario struct {
	name  string
	start time.Time
}

// consoleProgressIndicator provides a console-based progress indicator
type consoleProgressIndicator struct {
	logger   log.Logger
	ticker   *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex

	runID          string
	completed      int
	retried        int
	total          int
	runStartTime   time.Time
	scenarioNames  map[string]string // pickle ID -> name
	testCaseNames  map[string]string // test case ID -> name
	runningCases   map[string]runningScenario
	lastUpdateTime time.Time
}

// NewConsoleProgressIndicator creates a progress indicator that shows updates in the console
func NewConsoleProgressIndicator(logger log.Logger, updateInterval time.Duration) ProgressIndicator {
	if updateInterval <= 0 {
		updateInterval = DefaultProgressInterval
	}

	indicator := &consoleProgressIndicator{
		logger:        logger,
		ticker:        time.NewTicker(updateInterval),
		stopCh:        make(chan struct{}),
		scenarioNames: make(map[string]string),
		testCaseNames: make(map[string]string),
		runningCases:  make(map[string]runningScenario),
	}

	go indicator.progressReporter()

	return indicator
}

func (c *consoleProgressIndicator) StartRun(runID string, totalScenarios int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runID = runID
	c.total = totalScenarios
	c.completed = 0
	c.retried = 0
	c.runStartTime = time.Now()
	c.lastUpdateTime = time.Now()
	c.runningCases = make(map[string]runningScenario)

	c.logger.Info("Starting run", "runID", runID, "scenarios", totalScenarios)
}

func (c *consoleProgressIndicator) Handle(env *types.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case env.Pickle != nil:
		c.scenarioNames[env.Pickle.ID] = env.Pickle.Name
	case env.TestCase != nil:
		c.testCaseNames[env.TestCase.ID] = c.scenarioNames[env.TestCase.PickleID]
	case env.TestCaseStarted != nil:
		name := c.testCaseNames[env.TestCaseStarted.TestCaseID]
		c.runningCases[env.TestCaseStarted.ID] = runningScenario{name: name, start: time.Now()}
		c.logger.Debug("Scenario started", "scenario", name, "attempt", env.TestCaseStarted.Attempt,
			"running", len(c.runningCases))
	case env.TestCaseFinished != nil:
		running := c.runningCases[env.TestCaseFinished.TestCaseStartedID]
		delete(c.runningCases, env.TestCaseFinished.TestCaseStartedID)
		if env.TestCaseFinished.WillBeRetried {
			c.retried++
		} else {
			c.completed++
		}
		c.lastUpdateTime = time.Now()
		c.logger.Debug("Scenario finished", "scenario", running.name, "completed", c.completed,
			"total", c.total, "willBeRetried", env.TestCaseFinished.WillBeRetried)
	}
}

func (c *consoleProgressIndicator) CompleteRun() {
	c.mu.Lock()
	defer c.mu.Unlock()

	duration := time.Since(c.runStartTime).Truncate(time.Millisecond)
	c.logger.Info("Completed run", "runID", c.runID, "scenarios", c.total, "completed", c.completed,
		"retries", c.retried, "duration", duration)
	c.runningCases = make(map[string]runningScenario)
}

// progressReporter runs in a goroutine and periodically reports progress
func (c *consoleProgressIndicator) progressReporter() {
	for {
		select {
		case <-c.ticker.C:
			c.reportProgress()
		case <-c.stopCh:
			return
		}
	}
}

func (c *consoleProgressIndicator) reportProgress() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.total == 0 {
		return
	}
	detailsStr := formatRunningScenarios(c.runningCases, progressShowRunning)
	percentComplete := float64(c.completed) * 100.0 / float64(c.total)

	c.logger.Info("Progress update",
		"completed", c.completed,
		"total", c.total,
		"percent", fmt.Sprintf("%.1f%%", percentComplete),
		"numRunning", len(c.runningCases),
		"longestRunning", detailsStr,
	)
}

// Stop stops the progress indicator
func (c *consoleProgressIndicator) Stop() {
	c.stopOnce.Do(func() {
		c.ticker.Stop()
		close(c.stopCh)
	})
}

// formatRunningScenarios lists the longest running scenarios first.
func formatRunningScenarios(running map[string]runningScenario, maxShow int) string {
	if len(running) == 0 {
		return ""
	}

	type entry struct {
		name     string
		duration time.Duration
	}
	now := time.Now()
	entries := make([]entry, 0, len(running))
	for _, r := range running {
		entries = append(entries, entry{name: r.name, duration: now.Sub(r.start)})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].duration > entries[j].duration
	})

	var parts []string
	for i, e := range entries {
		if i >= maxShow {
			break
		}
		parts = append(parts, fmt.Sprintf("%s (%v)", e.name, e.duration.Truncate(time.Second)))
	}
	if len(entries) > maxShow {
		parts = append(parts, fmt.Sprintf("+%d more", len(entries)-maxShow))
	}
	return strings.Join(parts, ", ")
}
