package parallel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-scenario/metrics"
	"github.com/ethereum-optimism/infra/op-scenario/registry"
	"github.com/ethereum-optimism/infra/op-scenario/runner"
	"github.com/ethereum-optimism/infra/op-scenario/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// CoordinatorConfig holds configuration for a parallel run.
type CoordinatorConfig struct {
	// Registry is the coordinator's own registry. Workers must rebuild an identical one.
	Registry *registry.Registry
	Launcher Launcher
	Workers  int
	Options  types.RunOptions
	// Paths are the scenario sources, passed on to workers for diagnostics.
	Paths    []string
	Admit    AdmissionPredicate
	Sinks    []runner.Sink
	Progress runner.ProgressIndicator
	Log      log.Logger
	RunID    string
}

type workerState int

const (
	workerNew workerState = iota
	workerIdle
	workerRunning
	workerClosed
)

func (s workerState) String() string {
	switch s {
	case workerNew:
		return "new"
	case workerIdle:
		return "idle"
	case workerRunning:
		return "running"
	case workerClosed:
		return "closed"
	}
	return "unknown"
}

// workerHandle is the coordinator's view of one worker.
type workerHandle struct {
	id      string
	proc    Process
	out     *encoder
	log     log.Logger
	state   workerState
	current *types.Scenario
	// finalized is set once FINALIZE has been sent; the worker takes no more work.
	finalized bool
}

func (w *workerHandle) transition(to workerState) error {
	ok := false
	switch w.state {
	case workerNew:
		ok = to == workerIdle || to == workerClosed
	case workerIdle:
		ok = to == workerRunning || to == workerClosed
	case workerRunning:
		ok = to == workerIdle || to == workerClosed
	}
	if !ok {
		return fmt.Errorf("worker %s: invalid transition %s -> %s", w.id, w.state, to)
	}
	w.state = to
	return nil
}

// workerEvent is a message, or the exit, of a worker.
type workerEvent struct {
	worker  *workerHandle
	msg     *Message
	readErr error
	exited  bool
	exitErr error
}

// Coordinator distributes scenarios across a pool of workers and merges their event streams.
type Coordinator struct {
	cfg CoordinatorConfig
	log log.Logger

	workers    []*workerHandle
	events     chan workerEvent
	pending    []*types.Scenario
	budgets    map[string]int
	inProgress map[string]*types.Scenario
	bus        *runner.EventBus

	interventions int
	failed        bool
	workerErrors  []string
	lost          []*types.Scenario
	stopping      bool
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("at least one worker is required, got %d", cfg.Workers)
	}
	if cfg.Admit == nil {
		cfg.Admit = AlwaysAdmit
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Progress == nil {
		cfg.Progress = runner.NewNoOpProgressIndicator()
	}
	return &Coordinator{
		cfg:        cfg,
		log:        cfg.Log.New("component", "coordinator"),
		inProgress: make(map[string]*types.Scenario),
		budgets:    make(map[string]int),
	}, nil
}

// IdleInterventions returns how many times a scenario had to be assigned against the
// admission predicate to keep the pool from stalling.
func (c *Coordinator) IdleInterventions() int {
	return c.interventions
}

// Run executes the scenarios on the worker pool and returns once every worker has exited.
// A coordinator runs once.
func (c *Coordinator) Run(ctx context.Context, scenarios []*types.Scenario) (*runner.RunResult, error) {
	if c.events != nil {
		return nil, errors.New("coordinator already ran")
	}
	for _, sc := range scenarios {
		budget, err := runner.RetryBudget(sc, c.cfg.Options)
		if err != nil {
			return nil, err
		}
		c.budgets[sc.ID] = budget
	}

	runID := c.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	start := time.Now()
	ctx, span := otel.Tracer("scenario runner").Start(ctx, "parallel run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.workers", c.cfg.Workers),
		attribute.Int("run.scenarios", len(scenarios)),
	)

	collector := runner.NewCollector()
	c.bus = runner.NewEventBus(append([]runner.Sink{collector, c.cfg.Progress}, c.cfg.Sinks...)...)
	c.cfg.Progress.StartRun(runID, len(scenarios))
	defer c.cfg.Progress.CompleteRun()

	c.bus.Publish(&types.Envelope{TestRunStarted: &types.TestRunStarted{RunID: runID, Timestamp: start}})
	for _, sc := range scenarios {
		c.bus.Publish(&types.Envelope{Pickle: sc})
	}
	c.pending = append([]*types.Scenario(nil), scenarios...)

	launchErr := c.launch(ctx, runID)
	if launchErr != nil {
		c.log.Error("Failed to launch workers", "err", launchErr)
		c.stop()
	}
	c.loop(ctx)

	result := &runner.RunResult{RunID: runID, Cases: collector.Results()}
	result.Success = launchErr == nil &&
		!c.failed &&
		len(c.workerErrors) == 0 &&
		len(c.pending) == 0 &&
		len(c.lost) == 0 &&
		!runner.CausesFailure(result.Cases, c.cfg.Options.Strict)
	result.Message = c.summary(launchErr)
	result.Duration = time.Since(start)
	result.Stats = runner.Summarize(result.Cases)
	result.Stats.StartTime = start
	result.Stats.EndTime = time.Now()
	if !result.Success {
		span.SetStatus(codes.Error, "run failed")
	}
	span.SetAttributes(attribute.Int("run.idle_interventions", c.interventions))

	c.bus.Publish(&types.Envelope{TestRunFinished: &types.TestRunFinished{
		Success:   result.Success,
		Message:   result.Message,
		Timestamp: result.Stats.EndTime,
	}})
	return result, launchErr
}

func (c *Coordinator) summary(launchErr error) string {
	var parts []string
	if launchErr != nil {
		parts = append(parts, launchErr.Error())
	}
	parts = append(parts, c.workerErrors...)
	for _, sc := range c.lost {
		parts = append(parts, fmt.Sprintf("scenario %s was lost when its worker exited", sc.Location()))
	}
	if n := len(c.pending); n > 0 {
		parts = append(parts, fmt.Sprintf("%d scenarios were never run", n))
	}
	return strings.Join(parts, "; ")
}

// launch starts every worker concurrently and sends INITIALIZE to each. Workers that started
// are kept even when a sibling failed to, so they can be shut down cleanly.
func (c *Coordinator) launch(ctx context.Context, runID string) error {
	c.events = make(chan workerEvent, 64)
	c.workers = make([]*workerHandle, c.cfg.Workers)
	initCmd := Command{Type: CmdInitialize, Initialize: &InitializeCommand{
		RunID:         runID,
		Paths:         c.cfg.Paths,
		DefinitionIDs: c.cfg.Registry.DefinitionIDs(),
		Options:       c.cfg.Options,
	}}

	var g errgroup.Group
	for i := range c.workers {
		id := strconv.Itoa(i + 1)
		g.Go(func() error {
			proc, err := c.cfg.Launcher.Launch(ctx, id)
			if err != nil {
				return fmt.Errorf("worker %s: %w", id, err)
			}
			w := &workerHandle{
				id:   id,
				proc: proc,
				out:  newEncoder(proc.Stdin()),
				log:  c.log.New("worker", id),
			}
			c.workers[i] = w
			go c.read(w)
			if err := w.out.send(initCmd); err != nil {
				w.log.Warn("Failed to initialize worker", "err", err)
			}
			return nil
		})
	}
	err := g.Wait()

	launched := c.workers[:0]
	for _, w := range c.workers {
		if w != nil {
			launched = append(launched, w)
		}
	}
	c.workers = launched
	return err
}

// read forwards a worker's messages to the event loop, then reports its exit.
func (c *Coordinator) read(w *workerHandle) {
	dec := newDecoder(w.proc.Stdout())
	for {
		msg, err := dec.readMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.events <- workerEvent{worker: w, readErr: err}
				// Keep draining so a blocked writer can still exit.
				_, _ = io.Copy(io.Discard, w.proc.Stdout())
			}
			break
		}
		c.events <- workerEvent{worker: w, msg: msg}
	}
	c.events <- workerEvent{worker: w, exited: true, exitErr: w.proc.Wait()}
}

func (c *Coordinator) open() int {
	n := 0
	for _, w := range c.workers {
		if w.state != workerClosed {
			n++
		}
	}
	return n
}

// loop is the only place coordinator state changes. It returns once every worker is closed.
func (c *Coordinator) loop(ctx context.Context) {
	done := ctx.Done()
	for c.open() > 0 {
		select {
		case ev := <-c.events:
			c.handle(ev)
		case <-done:
			c.log.Warn("Run canceled, stopping workers", "err", ctx.Err())
			c.failed = true
			c.stop()
			done = nil
		}
	}
	metrics.SetWorkersBusy(0)
}

func (c *Coordinator) handle(ev workerEvent) {
	w := ev.worker
	switch {
	case ev.exited:
		c.onExit(w, ev.exitErr)
	case ev.readErr != nil:
		w.log.Error("Unreadable worker output", "err", ev.readErr)
		c.workerErrors = append(c.workerErrors, fmt.Sprintf("worker %s: %v", w.id, ev.readErr))
		_ = w.proc.Stdin().Close()
	default:
		c.onMessage(w, ev.msg)
	}
}

func (c *Coordinator) onMessage(w *workerHandle, msg *Message) {
	switch msg.Type {
	case MsgReady:
		if err := w.transition(workerIdle); err != nil {
			w.log.Error("Unexpected ready message", "err", err)
			return
		}
		w.log.Debug("Worker ready")
		c.giveWork(w)
	case MsgEnvelope:
		if msg.Envelope != nil {
			c.bus.Publish(msg.Envelope)
		}
	case MsgFinished:
		if err := w.transition(workerIdle); err != nil {
			w.log.Error("Unexpected finished message", "err", err)
			return
		}
		delete(c.inProgress, w.id)
		w.current = nil
		metrics.SetWorkersBusy(len(c.inProgress))
		if msg.Finished != nil && !msg.Finished.Success {
			c.failed = true
		}
		c.giveWork(w)
		c.assignIdle()
	case MsgError:
		w.log.Error("Worker reported an error", "err", msg.Error)
		c.workerErrors = append(c.workerErrors, fmt.Sprintf("worker %s: %s", w.id, msg.Error))
	}
}

func (c *Coordinator) onExit(w *workerHandle, err error) {
	if w.state == workerClosed {
		return
	}
	prev := w.state
	_ = w.transition(workerClosed)
	_ = w.proc.Stdin().Close()
	switch {
	case err == nil && w.finalized:
		w.log.Debug("Worker exited")
	case c.stopping:
		w.log.Warn("Worker stopped", "state", prev, "err", err)
	default:
		if err == nil {
			err = errors.New("exited before being finalized")
		}
		w.log.Error("Worker crashed", "state", prev, "err", err)
		metrics.RecordWorkerCrash(w.id)
		c.workerErrors = append(c.workerErrors, fmt.Sprintf("worker %s: %v", w.id, err))
	}
	if w.current != nil {
		c.lost = append(c.lost, w.current)
		delete(c.inProgress, w.id)
		w.current = nil
		metrics.SetWorkersBusy(len(c.inProgress))
	}
	c.assignIdle()
}

// assignIdle offers work to every idle worker; after a completion the admission predicate
// may accept what it rejected before.
func (c *Coordinator) assignIdle() {
	for _, w := range c.workers {
		if w.state == workerIdle && !w.finalized {
			c.giveWork(w)
		}
	}
}

// giveWork assigns the first admissible pending scenario to the idle worker w, or finalizes
// w when nothing is pending. When nothing is admissible and no scenario is running at all,
// the head of the queue is assigned anyway so the pool cannot stall.
func (c *Coordinator) giveWork(w *workerHandle) {
	if c.stopping || w.finalized || w.state != workerIdle {
		return
	}
	if len(c.pending) == 0 {
		w.finalized = true
		if err := w.out.send(Command{Type: CmdFinalize}); err != nil {
			w.log.Warn("Failed to finalize worker", "err", err)
		}
		return
	}

	running := make([]*types.Scenario, 0, len(c.inProgress))
	for _, other := range c.workers {
		if other.current != nil {
			running = append(running, other.current)
		}
	}
	idx := -1
	for i, sc := range c.pending {
		if c.cfg.Admit(sc, running) {
			idx = i
			break
		}
	}
	if idx < 0 {
		if len(c.inProgress) > 0 {
			return
		}
		idx = 0
		c.interventions++
		metrics.RecordIdleIntervention()
		c.log.Warn("No pending scenario is admissible while no scenario is running, assigning anyway",
			"scenario", c.pending[0].Location(), "worker", w.id, "interventions", c.interventions)
	}

	sc := c.pending[idx]
	c.pending = append(c.pending[:idx], c.pending[idx+1:]...)
	_ = w.transition(workerRunning)
	w.current = sc
	c.inProgress[w.id] = sc
	metrics.SetWorkersBusy(len(c.inProgress))

	cmd := Command{Type: CmdRun, Run: &RunCommand{
		Scenario:    sc,
		RetryBudget: c.budgets[sc.ID],
		Skip:        c.cfg.Options.FailFast && c.failed,
	}}
	w.log.Debug("Assigning scenario", "scenario", sc.Location())
	if err := w.out.send(cmd); err != nil {
		w.log.Warn("Failed to assign scenario", "err", err)
	}
}

// stop closes every worker's input. Workers see the end of their input and exit.
func (c *Coordinator) stop() {
	c.stopping = true
	for _, w := range c.workers {
		if w.state != workerClosed {
			_ = w.proc.Stdin().Close()
		}
	}
}
