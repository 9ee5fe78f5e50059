package opscenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/ethereum-optimism/infra/op-scenario/logging"
	"github.com/ethereum-optimism/infra/op-scenario/parallel"
	"github.com/ethereum-optimism/infra/op-scenario/registry"
	"github.com/ethereum-optimism/infra/op-scenario/runner"
	"github.com/ethereum-optimism/infra/op-scenario/source"
	"github.com/ethereum-optimism/infra/op-scenario/types"
)

// ScenarioExecutor runs one pass over the configured scenarios.
type ScenarioExecutor interface {
	Execute(ctx context.Context) (*runner.RunResult, error)
}

// DefaultScenarioExecutor loads the feature files, builds the registry and runs the scenarios
// serially or on a worker pool, depending on Config.Parallel.
type DefaultScenarioExecutor struct {
	config   *Config
	setup    registry.SetupFunc
	launcher parallel.Launcher
	logger   log.Logger
}

// NewDefaultScenarioExecutor creates an executor. The launcher is only used for parallel runs.
func NewDefaultScenarioExecutor(config *Config, setup registry.SetupFunc, launcher parallel.Launcher) *DefaultScenarioExecutor {
	return &DefaultScenarioExecutor{
		config:   config,
		setup:    setup,
		launcher: launcher,
		logger:   config.Log,
	}
}

// Execute runs the scenarios once. Errors that prevent a run from happening, or abort it, are
// RuntimeErrors; a partial result is returned alongside an aborted run's error.
func (e *DefaultScenarioExecutor) Execute(ctx context.Context) (*runner.RunResult, error) {
	runID := uuid.NewString()
	logger := e.logger.New("run_id", runID)

	scenarios, err := source.Load(e.config.Paths, e.config.Tags)
	if err != nil {
		return nil, NewRuntimeError(fmt.Errorf("failed to load scenarios: %w", err))
	}
	scenarios, seed, err := runner.OrderScenarios(scenarios, e.config.Order)
	if err != nil {
		return nil, NewRuntimeError(err)
	}
	if seed != 0 {
		logger.Info("Shuffled scenarios", "seed", seed)
	}

	reg, err := registry.Build(registry.Config{Log: logger}, e.setup)
	if err != nil {
		return nil, NewRuntimeError(fmt.Errorf("failed to build registry: %w", err))
	}

	var (
		sinks      []runner.Sink
		fileLogger *logging.FileLogger
	)
	if e.config.LogDir != "" {
		fileLogger, err = logging.NewFileLogger(e.config.LogDir, runID, logger)
		if err != nil {
			return nil, NewRuntimeError(fmt.Errorf("failed to create file logger: %w", err))
		}
		sinks = append(sinks, fileLogger)
	}

	progress := runner.NewNoOpProgressIndicator()
	if e.config.ShowProgress {
		progress = runner.NewConsoleProgressIndicator(logger, e.config.ProgressInterval)
	}
	defer progress.Stop()

	logger.Info("Running scenarios", "count", len(scenarios), "parallel", e.config.Parallel)
	var result *runner.RunResult
	if e.config.Parallel > 0 {
		result, err = e.runParallel(ctx, reg, runID, sinks, progress, logger, scenarios)
	} else {
		result, err = e.runSerial(ctx, reg, runID, sinks, progress, logger, scenarios)
	}

	if fileLogger != nil {
		if result != nil {
			if sumErr := fileLogger.LogSummary(RenderResults(result)); sumErr != nil {
				logger.Warn("Failed to write run summary", "err", sumErr)
			}
		}
		if closeErr := fileLogger.Complete(); closeErr != nil {
			logger.Warn("Failed to write run logs", "err", closeErr, "dir", fileLogger.Dir())
		} else {
			logger.Info("Run logs written", "dir", fileLogger.Dir())
		}
	}

	if err != nil {
		return result, NewRuntimeError(err)
	}
	logger.Info("Scenario run completed", "success", result.Success, "duration", result.Duration)
	return result, nil
}

func (e *DefaultScenarioExecutor) runSerial(
	ctx context.Context,
	reg *registry.Registry,
	runID string,
	sinks []runner.Sink,
	progress runner.ProgressIndicator,
	logger log.Logger,
	scenarios []*types.Scenario,
) (*runner.RunResult, error) {
	rt, err := runner.NewRuntime(runner.Config{
		Registry: reg,
		Options:  e.config.RunOptions(),
		Log:      logger,
		Sinks:    sinks,
		Progress: progress,
		RunID:    runID,
	})
	if err != nil {
		return nil, err
	}
	return rt.RunScenarios(ctx, scenarios)
}

func (e *DefaultScenarioExecutor) runParallel(
	ctx context.Context,
	reg *registry.Registry,
	runID string,
	sinks []runner.Sink,
	progress runner.ProgressIndicator,
	logger log.Logger,
	scenarios []*types.Scenario,
) (*runner.RunResult, error) {
	if e.launcher == nil {
		return nil, errors.New("parallel runs need a worker launcher")
	}
	var admit parallel.AdmissionPredicate
	if len(e.config.ExclusiveTags) > 0 {
		admit = parallel.ExclusiveTags(e.config.ExclusiveTags...)
	}
	coord, err := parallel.NewCoordinator(parallel.CoordinatorConfig{
		Registry: reg,
		Launcher: e.launcher,
		Workers:  e.config.Parallel,
		Options:  e.config.RunOptions(),
		Paths:    e.config.Paths,
		Admit:    admit,
		Sinks:    sinks,
		Progress: progress,
		Log:      logger,
		RunID:    runID,
	})
	if err != nil {
		return nil, err
	}
	result, err := coord.Run(ctx, scenarios)
	if n := coord.IdleInterventions(); n > 0 {
		logger.Warn("Admission predicate was overridden to keep workers busy", "interventions", n)
	}
	return result, err
}
