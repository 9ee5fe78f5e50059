package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-scenario/metrics"
	"github.com/ethereum-optimism/infra/op-scenario/registry"
	"github.com/ethereum-optimism/infra/op-scenario/scenarioctx"
	"github.com/ethereum-optimism/infra/op-scenario/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TestCaseConfig holds everything needed to run one scenario.
type TestCaseConfig struct {
	Registry *registry.Registry
	Scenario *types.Scenario
	Options  types.RunOptions
	// RetryBudget is the number of extra attempts allowed after a failing one.
	RetryBudget int
	// Skip pre-marks every attempt as skipped (dry run or fail-fast).
	Skip     bool
	WorkerID string
	Emit     func(*types.Envelope)
	Log      log.Logger
}

// planStep is one entry of the assembled test case.
type planStep struct {
	id   string
	hook *registry.StepBinding
	step *types.Step
	// match is nil for undefined steps and when matchErr is set.
	match    *registry.StepMatch
	matchErr *registry.AmbiguousError
}

// TestCaseRunner runs one scenario through its attempts.
type TestCaseRunner struct {
	cfg    TestCaseConfig
	log    log.Logger
	tracer trace.Tracer
	plan   []planStep
	tcID   string
}

// NewTestCaseRunner assembles the test case plan. Steps whose text matches a pattern that no
// binding services under the scenario's tags make the scenario unrunnable and are reported
// as an error.
func NewTestCaseRunner(cfg TestCaseConfig) (*TestCaseRunner, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Scenario == nil {
		return nil, errors.New("scenario is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Emit == nil {
		cfg.Emit = func(*types.Envelope) {}
	}
	r := &TestCaseRunner{
		cfg:    cfg,
		log:    cfg.Log.New("scenario", cfg.Scenario.Name, "location", cfg.Scenario.Location()),
		tracer: otel.Tracer("scenario runner"),
		tcID:   uuid.NewString(),
	}
	if err := r.assemble(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *TestCaseRunner) assemble() error {
	sc := r.cfg.Scenario
	for _, h := range r.cfg.Registry.Hooks(registry.KindBefore, sc.Tags) {
		r.plan = append(r.plan, planStep{id: uuid.NewString(), hook: h})
	}
	for i := range sc.Steps {
		step := &sc.Steps[i]
		ps := planStep{id: uuid.NewString(), step: step}
		match, err := r.cfg.Registry.MatchStep(step.Text, sc.Tags)
		var amb *registry.AmbiguousError
		switch {
		case errors.As(err, &amb):
			ps.matchErr = amb
		case err != nil:
			return fmt.Errorf("%s: %w", sc.Location(), err)
		default:
			ps.match = match
		}
		r.plan = append(r.plan, ps)
	}
	for _, h := range r.cfg.Registry.Hooks(registry.KindAfter, sc.Tags) {
		r.plan = append(r.plan, planStep{id: uuid.NewString(), hook: h})
	}
	return nil
}

// TestCase returns the plan as an envelope payload.
func (r *TestCaseRunner) TestCase() *types.TestCase {
	tc := &types.TestCase{ID: r.tcID, PickleID: r.cfg.Scenario.ID}
	for _, ps := range r.plan {
		ts := types.TestStep{ID: ps.id}
		switch {
		case ps.hook != nil:
			ts.Kind = types.TestStepHook
			ts.HookID = ps.hook.RegistrationKey
		default:
			ts.Kind = types.TestStepPickle
			ts.PickleStepID = ps.step.ID
			if ps.match != nil {
				ts.StepDefinitionIDs = []string{ps.match.Definition.ID}
			}
			if ps.matchErr != nil {
				for _, c := range ps.matchErr.Candidates {
					if !slices.Contains(ts.StepDefinitionIDs, c.RegistrationKey) {
						ts.StepDefinitionIDs = append(ts.StepDefinitionIDs, c.RegistrationKey)
					}
				}
			}
		}
		tc.TestSteps = append(tc.TestSteps, ts)
	}
	return tc
}

// Run emits the test case and runs attempts until one does not fail or the retry budget is
// spent. It returns the worst status of the last attempt. A non-nil error means the run must
// be aborted.
func (r *TestCaseRunner) Run(ctx context.Context) (types.Status, error) {
	r.cfg.Emit(&types.Envelope{TestCase: r.TestCase()})

	maxAttempts := r.cfg.RetryBudget + 1
	var status types.Status
	for attempt := 0; attempt < maxAttempts; attempt++ {
		worst, willBeRetried, err := r.runAttempt(ctx, attempt, maxAttempts)
		status = worst
		if err != nil {
			return status, err
		}
		if !willBeRetried {
			break
		}
		r.log.Warn("Retrying failed scenario", "attempt", attempt+1, "maxAttempts", maxAttempts)
	}
	return status, nil
}

// attemptState is the mutable record of a single attempt.
type attemptState struct {
	startedID string
	results   []types.StepResult
	worst     types.Status
	// steppedInto is set once any pickle step has produced a result, including a skipped one.
	steppedInto bool

	mu          sync.Mutex
	currentStep string
}

func (a *attemptState) setCurrent(id string) {
	a.mu.Lock()
	a.currentStep = id
	a.mu.Unlock()
}

func (a *attemptState) current() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentStep
}

func (a *attemptState) record(res types.StepResult) {
	a.results = append(a.results, res)
	a.worst = types.Worst(a.worst, res.Status)
}

func (r *TestCaseRunner) runAttempt(ctx context.Context, attempt, maxAttempts int) (types.Status, bool, error) {
	sc := r.cfg.Scenario
	st := &attemptState{startedID: uuid.NewString()}

	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("scenario %s", sc.Name))
	defer span.End()
	span.SetAttributes(
		attribute.String("scenario.location", sc.Location()),
		attribute.Int("scenario.attempt", attempt),
	)

	world := types.NewWorld(r.cfg.Options.WorldParameters, func(body, encoding, mediaType string) {
		r.cfg.Emit(&types.Envelope{Attachment: &types.Attachment{
			TestCaseStartedID: st.startedID,
			TestStepID:        st.current(),
			Body:              body,
			ContentEncoding:   encoding,
			MediaType:         mediaType,
		}})
	})
	manager := scenarioctx.New(r.cfg.Registry, sc, world, r.log)
	start := scenarioctx.StartInfo{Title: sc.Name, Tags: sc.Tags, Attempt: attempt}

	r.cfg.Emit(&types.Envelope{TestCaseStarted: &types.TestCaseStarted{
		ID:         st.startedID,
		TestCaseID: r.tcID,
		Attempt:    attempt,
		WorkerID:   r.cfg.WorkerID,
		Timestamp:  time.Now(),
	}})

	var fatal error
	for i := range r.plan {
		ps := &r.plan[i]
		st.setCurrent(ps.id)
		r.cfg.Emit(&types.Envelope{TestStepStarted: &types.TestStepStarted{
			TestCaseStartedID: st.startedID,
			TestStepID:        ps.id,
			Timestamp:         time.Now(),
		}})

		var res types.StepResult
		var kind types.TestStepKind
		if ps.hook != nil {
			kind = types.TestStepHook
			res, fatal = r.runHookStep(ctx, ps.hook, st, world, manager, start, attempt, maxAttempts)
		} else {
			kind = types.TestStepPickle
			res, fatal = r.runPickleStep(ctx, ps, st, world, manager, start)
			st.steppedInto = true
		}
		st.record(res)
		metrics.RecordStep(kind, res)
		r.cfg.Emit(&types.Envelope{TestStepFinished: &types.TestStepFinished{
			TestCaseStartedID: st.startedID,
			TestStepID:        ps.id,
			Result:            res,
			Timestamp:         time.Now(),
		}})
		if fatal != nil {
			break
		}
	}
	st.setCurrent("")

	willBeRetried := fatal == nil && st.worst == types.StatusFailed && attempt+1 < maxAttempts
	if n := manager.DisposeAll(ctx, scenarioctx.EndInfo{
		Title:         sc.Name,
		Tags:          sc.Tags,
		Status:        st.worst,
		WillBeRetried: willBeRetried,
	}); n > 0 {
		r.log.Warn("Scenario objects failed to dispose", "failures", n)
	}

	if st.worst.WorseThan(types.StatusSkipped) {
		span.SetStatus(codes.Error, st.worst.String())
	}
	metrics.RecordCase(st.worst, willBeRetried)
	r.cfg.Emit(&types.Envelope{TestCaseFinished: &types.TestCaseFinished{
		TestCaseStartedID: st.startedID,
		WillBeRetried:     willBeRetried,
		Timestamp:         time.Now(),
	}})
	r.log.Debug("Attempt finished", "attempt", attempt, "status", st.worst, "willBeRetried", willBeRetried)
	return st.worst, willBeRetried, fatal
}

// skipping reports whether non-cleanup steps must be skipped at this point of the attempt.
func (r *TestCaseRunner) skipping(st *attemptState) bool {
	return r.cfg.Skip || st.worst.WorseThan(types.StatusPassed)
}

func (r *TestCaseRunner) runHookStep(
	ctx context.Context,
	hook *registry.StepBinding,
	st *attemptState,
	world *types.World,
	manager *scenarioctx.Manager,
	start scenarioctx.StartInfo,
	attempt, maxAttempts int,
) (types.StepResult, error) {
	isAfter := st.steppedInto
	if r.cfg.Skip || (!isAfter && r.skipping(st)) {
		return types.StepResult{Status: types.StatusSkipped}, nil
	}
	call := &registry.Call{Scenario: r.cfg.Scenario, World: world}
	if isAfter {
		var worst types.StepResult
		for _, res := range st.results {
			worst = combine(worst, res)
		}
		call.Result = &worst
		call.WillBeRetried = st.worst == types.StatusFailed && attempt+1 < maxAttempts
	}
	return invoke(ctx, invocation{
		binding: hook,
		call:    call,
		timeout: r.cfg.Options.StepTimeout(),
		manager: manager,
		start:   start,
	})
}

func (r *TestCaseRunner) runPickleStep(
	ctx context.Context,
	ps *planStep,
	st *attemptState,
	world *types.World,
	manager *scenarioctx.Manager,
	start scenarioctx.StartInfo,
) (types.StepResult, error) {
	switch {
	case ps.matchErr != nil:
		return types.StepResult{Status: types.StatusAmbiguous, Message: ps.matchErr.Error()}, nil
	case ps.match == nil:
		return types.StepResult{
			Status:  types.StatusUndefined,
			Message: fmt.Sprintf("undefined step %q", ps.step.Text),
		}, nil
	case r.skipping(st):
		return types.StepResult{Status: types.StatusSkipped}, nil
	}
	if err := ps.match.Binding.CheckArity(len(ps.match.Args)); err != nil {
		return types.StepResult{Status: types.StatusFailed, Message: err.Error()}, nil
	}

	sc := r.cfg.Scenario
	timeout := r.cfg.Options.StepTimeout()
	acc := types.StepResult{Status: types.StatusUnknown}
	run := func(b *registry.StepBinding, call *registry.Call) error {
		res, err := invoke(ctx, invocation{binding: b, call: call, timeout: timeout, manager: manager, start: start})
		acc = combine(acc, res)
		return err
	}

	for _, h := range r.cfg.Registry.Hooks(registry.KindBeforeStep, sc.Tags) {
		if err := run(h, &registry.Call{Scenario: sc, Step: ps.step, World: world}); err != nil {
			return acc, err
		}
	}
	if !acc.Status.WorseThan(types.StatusPassed) {
		call := &registry.Call{Scenario: sc, Step: ps.step, Args: ps.match.Args, World: world}
		if err := run(ps.match.Binding, call); err != nil {
			return acc, err
		}
	}
	for _, h := range r.cfg.Registry.Hooks(registry.KindAfterStep, sc.Tags) {
		stepResult := acc
		call := &registry.Call{Scenario: sc, Step: ps.step, World: world, Result: &stepResult}
		if err := run(h, call); err != nil {
			return acc, err
		}
	}
	if acc.Status == types.StatusUnknown {
		acc.Status = types.StatusPassed
	}
	return acc, nil
}
