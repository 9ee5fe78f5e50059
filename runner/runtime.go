package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-scenario/registry"
	"github.com/ethereum-optimism/infra/op-scenario/tagexpr"
	"github.com/ethereum-optimism/infra/op-scenario/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
)

// Config holds configuration for creating a serial runtime
type Config struct {
	Registry *registry.Registry
	Options  types.RunOptions
	Log      log.Logger
	// Sinks receive every envelope of the run, in order.
	Sinks    []Sink
	Progress ProgressIndicator
	// RunID is generated when empty.
	RunID string
}

// Runtime runs scenarios one after another in the current process.
type Runtime struct {
	cfg Config
	log log.Logger
}

// NewRuntime creates a serial runtime.
func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Progress == nil {
		cfg.Progress = NewNoOpProgressIndicator()
	}
	return &Runtime{cfg: cfg, log: cfg.Log}, nil
}

// RunScenarios runs every scenario with run-level hooks around them and reports the
// aggregated outcome. The error is non-nil only when a wiring fault aborted the run; the
// partial result is still returned.
func (rt *Runtime) RunScenarios(ctx context.Context, scenarios []*types.Scenario) (*RunResult, error) {
	runID := rt.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	start := time.Now()
	opts := rt.cfg.Options

	collector := NewCollector()
	bus := NewEventBus(append([]Sink{collector, rt.cfg.Progress}, rt.cfg.Sinks...)...)
	rt.cfg.Progress.StartRun(runID, len(scenarios))
	defer rt.cfg.Progress.CompleteRun()

	bus.Publish(&types.Envelope{TestRunStarted: &types.TestRunStarted{RunID: runID, Timestamp: start}})
	for _, sc := range scenarios {
		bus.Publish(&types.Envelope{Pickle: sc})
	}

	result := &RunResult{RunID: runID, Success: true}
	var runErr error

	before, err := RunGlobalHooks(ctx, rt.cfg.Registry, registry.KindBeforeAll, opts, rt.log)
	if err != nil {
		runErr = err
	}
	skipAll := before.Status.WorseThan(types.StatusPassed)
	if skipAll {
		result.Success = false
		result.Message = "beforeAll hook did not pass: " + before.Message
		rt.log.Error("Run-level hook failed, skipping all scenarios", "status", before.Status, "message", before.Message)
	}

	failed := false
	for _, sc := range scenarios {
		if runErr != nil {
			break
		}
		budget, err := RetryBudget(sc, opts)
		if err != nil {
			runErr = err
			break
		}
		tc, err := NewTestCaseRunner(TestCaseConfig{
			Registry:    rt.cfg.Registry,
			Scenario:    sc,
			Options:     opts,
			RetryBudget: budget,
			Skip:        skipAll || opts.DryRun || (opts.FailFast && failed),
			Emit:        bus.Publish,
			Log:         rt.log,
		})
		if err != nil {
			runErr = err
			break
		}
		status, err := tc.Run(ctx)
		if err != nil {
			runErr = err
			break
		}
		if types.ShouldCauseFailure(status, false, opts.Strict) {
			failed = true
		}
	}

	after, err := RunGlobalHooks(ctx, rt.cfg.Registry, registry.KindAfterAll, opts, rt.log)
	if err != nil && runErr == nil {
		runErr = err
	}
	if after.Status.WorseThan(types.StatusPassed) {
		result.Success = false
		result.Message = strings.TrimPrefix(result.Message+"; afterAll hook did not pass: "+after.Message, "; ")
	}

	result.Cases = collector.Results()
	if failed || CausesFailure(result.Cases, opts.Strict) || runErr != nil {
		result.Success = false
	}
	if runErr != nil {
		result.Message = runErr.Error()
	}
	result.Duration = time.Since(start)
	result.Stats = Summarize(result.Cases)
	result.Stats.StartTime = start
	result.Stats.EndTime = time.Now()

	bus.Publish(&types.Envelope{TestRunFinished: &types.TestRunFinished{
		Success:   result.Success,
		Message:   result.Message,
		Timestamp: result.Stats.EndTime,
	}})
	return result, runErr
}

// RunGlobalHooks runs the beforeAll or afterAll hooks. BeforeAll hooks stop at the first one
// that does not pass; afterAll hooks always all run. The returned result is the combination
// of the hooks that ran.
func RunGlobalHooks(ctx context.Context, reg *registry.Registry, kind registry.Kind, opts types.RunOptions, logger log.Logger) (types.StepResult, error) {
	if kind != registry.KindBeforeAll && kind != registry.KindAfterAll {
		return types.StepResult{}, fmt.Errorf("%s is not a run-level hook kind", kind)
	}
	acc := types.StepResult{Status: types.StatusPassed}
	world := types.NewWorld(opts.WorldParameters, nil)
	for _, hook := range reg.Hooks(kind, nil) {
		if opts.DryRun {
			break
		}
		res, err := invoke(ctx, invocation{
			binding: hook,
			call:    &registry.Call{World: world},
			timeout: opts.StepTimeout(),
		})
		acc = combine(acc, res)
		if err != nil {
			return acc, err
		}
		if res.Status.WorseThan(types.StatusPassed) {
			logger.Error("Run-level hook did not pass", "kind", kind, "hook", hook.String(), "status", res.Status, "message", res.Message)
			if kind == registry.KindBeforeAll {
				break
			}
		}
	}
	return acc, nil
}

// RetryBudget returns how many extra attempts a failing scenario may get.
func RetryBudget(sc *types.Scenario, opts types.RunOptions) (int, error) {
	if opts.Retry <= 0 {
		return 0, nil
	}
	if opts.RetryTagFilter == "" {
		return opts.Retry, nil
	}
	ok, err := tagexpr.Match(opts.RetryTagFilter, sc.Tags)
	if err != nil {
		return 0, fmt.Errorf("retry tag filter: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return opts.Retry, nil
}

// Scenario orders.
const (
	OrderDefined = "defined"
	OrderRandom  = "random"
)

// OrderScenarios returns the scenarios in the requested order: "defined" keeps source order,
// "random" shuffles with a random seed and "random:<seed>" shuffles reproducibly. The seed
// used is returned so a shuffled run can be repeated.
func OrderScenarios(scenarios []*types.Scenario, order string) ([]*types.Scenario, uint64, error) {
	out := append([]*types.Scenario(nil), scenarios...)
	name, seedStr, hasSeed := strings.Cut(order, ":")
	switch name {
	case "", OrderDefined:
		if hasSeed {
			return nil, 0, errors.New("defined order does not take a seed")
		}
		return out, 0, nil
	case OrderRandom:
		seed := rand.Uint64()
		if hasSeed {
			parsed, err := strconv.ParseUint(seedStr, 10, 64)
			if err != nil {
				return nil, 0, fmt.Errorf("invalid order seed %q: %w", seedStr, err)
			}
			seed = parsed
		}
		rng := rand.New(rand.NewPCG(seed, seed))
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out, seed, nil
	default:
		return nil, 0, fmt.Errorf("unknown order %q", order)
	}
}
