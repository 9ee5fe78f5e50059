// Package opscenario assembles the scenario runner service: configuration, the run command,
// the schedule of runs and the reporting of their results.
package opscenario

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum-optimism/infra/op-scenario/metrics"
	"github.com/ethereum-optimism/infra/op-scenario/runner"
	"github.com/ethereum-optimism/infra/op-scenario/service"
)

var _ Lifecycle = (*ScenarioService)(nil)

// ScenarioService runs the configured scenarios once, or on an interval, and reports every
// run to the console and to metrics.
type ScenarioService struct {
	config    *Config
	executor  ScenarioExecutor
	formatter ResultFormatter
	reporter  MetricsReporter
	scheduler Scheduler
	http      *service.Service

	mu     sync.Mutex
	result *runner.RunResult

	running          atomic.Bool
	shutdownCallback func(error) // Callback to signal application shutdown
}

// ServiceOption overrides a collaborator of the service.
type ServiceOption func(*ScenarioService)

func WithFormatter(f ResultFormatter) ServiceOption { return func(s *ScenarioService) { s.formatter = f } }
func WithReporter(r MetricsReporter) ServiceOption  { return func(s *ScenarioService) { s.reporter = r } }
func WithScheduler(sc Scheduler) ServiceOption     { return func(s *ScenarioService) { s.scheduler = sc } }

// New creates the service.
func New(config *Config, executor ScenarioExecutor, shutdownCallback func(error), opts ...ServiceOption) (*ScenarioService, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if shutdownCallback == nil {
		shutdownCallback = func(error) {}
	}

	config.Log.Debug("Creating scenario service",
		"paths", config.Paths,
		"tags", config.Tags,
		"parallel", config.Parallel,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce)

	s := &ScenarioService{
		config:           config,
		executor:         executor,
		formatter:        NewConsoleResultFormatter(config.Log),
		reporter:         NewDefaultMetricsReporter(),
		scheduler:        NewDefaultScheduler(config.RunInterval, config.RunOnce, config.Log),
		shutdownCallback: shutdownCallback,
	}
	if config.HealthzAddr != "" || config.MetricsAddr != "" {
		s.http = service.New(service.Config{
			HealthzAddr: config.HealthzAddr,
			MetricsAddr: config.MetricsAddr,
			Log:         config.Log,
		})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs the scenarios. In run-once mode it returns the outcome of the run and asks the
// application to shut down on success. In interval mode only a broken first run is returned;
// scenario failures are reported and the schedule continues.
func (s *ScenarioService) Start(ctx context.Context) error {
	s.running.Store(true)
	if s.http != nil {
		s.http.Start()
	}

	if s.config.RunOnce {
		s.config.Log.Info("Starting op-scenario in run-once mode")
	} else {
		s.config.Log.Info("Starting op-scenario in continuous mode", "interval", s.config.RunInterval)
	}

	s.scheduler.RegisterCallback(s.scheduledRun)
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}

	if s.config.RunOnce {
		s.config.Log.Info("Scenarios completed, exiting (run-once mode)")
		go s.shutdownCallback(nil)
	}
	return nil
}

func (s *ScenarioService) scheduledRun(ctx context.Context) error {
	err := s.runScenarios(ctx)
	if s.config.RunOnce {
		return err
	}
	if IsRuntimeError(err) {
		if s.http != nil {
			s.http.Healthz.MarkUnhealthy()
		}
		return err
	}
	if err != nil {
		s.config.Log.Warn("Scheduled run failed", "err", err)
	}
	return nil
}

// runScenarios runs every scenario once and processes the results
func (s *ScenarioService) runScenarios(ctx context.Context) error {
	result, err := s.executor.Execute(ctx)
	if result != nil {
		s.mu.Lock()
		s.result = result
		s.mu.Unlock()

		if ferr := s.formatter.FormatResults(result); ferr != nil {
			s.config.Log.Warn("Failed to print results", "err", ferr)
		}
		s.reporter.ReportResults(result)
	}
	if err != nil {
		s.config.Log.Error("Runtime error running scenarios", "err", err)
		metrics.RecordErrorDetails("run", err)
		if !IsRuntimeError(err) {
			err = NewRuntimeError(err)
		}
		return err
	}

	s.config.Log.Info("Scenario run completed", "run_id", result.RunID, "success", result.Success)
	if result.Success {
		return nil
	}
	// A run can fail without any failing scenario, for example when a worker crashed or a
	// run-level hook did not pass. That is a broken run, not a scenario failure.
	if !runner.CausesFailure(result.Cases, s.config.Strict) && result.Message != "" {
		return NewRuntimeError(fmt.Errorf("run %s failed: %s", result.RunID, result.Message))
	}
	return NewTestFailureError(verdict(result))
}

// Result returns the most recent run result.
func (s *ScenarioService) Result() *runner.RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Stop stops scheduling runs and shuts down the HTTP servers.
func (s *ScenarioService) Stop(ctx context.Context) error {
	s.config.Log.Info("Stopping op-scenario")
	if !s.running.Swap(false) {
		s.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	var errs []error
	errs = append(errs, s.scheduler.Stop(), s.scheduler.WaitForShutdown(ctx))
	if s.http != nil {
		errs = append(errs, s.http.Shutdown(ctx))
	}
	s.config.Log.Info("op-scenario stopped")
	return errors.Join(errs...)
}

// Stopped returns true if the service is stopped.
func (s *ScenarioService) Stopped() bool {
	return !s.running.Load()
}
