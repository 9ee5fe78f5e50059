package parallel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/ethereum-optimism/infra/op-scenario/registry"
	"github.com/ethereum-optimism/infra/op-scenario/runner"
	"github.com/ethereum-optimism/infra/op-scenario/types"
	"github.com/ethereum/go-ethereum/log"
)

// ErrDefinitionMismatch is returned by a worker whose registry does not have the
// coordinator's definition IDs.
var ErrDefinitionMismatch = errors.New("step definitions differ from the coordinator's")

// WorkerConfig holds configuration for a worker.
type WorkerConfig struct {
	ID    string
	Setup registry.SetupFunc
	Log   log.Logger
	In    io.Reader
	Out   io.Writer
}

// Worker executes the scenarios a coordinator assigns to it, one at a time.
type Worker struct {
	cfg WorkerConfig
	log log.Logger
	in  *decoder
	out *encoder

	reg     *registry.Registry
	options types.RunOptions
	// skipAll is set when a beforeAll hook did not pass.
	skipAll bool
}

// NewWorker creates a worker reading commands from cfg.In and writing messages to cfg.Out.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.In == nil || cfg.Out == nil {
		return nil, errors.New("worker needs both an input and an output stream")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	return &Worker{
		cfg: cfg,
		log: cfg.Log,
		in:  newDecoder(cfg.In),
		out: newEncoder(cfg.Out),
	}, nil
}

// Serve runs a worker built from cfg. It is the default ServeFunc.
func Serve(ctx context.Context, cfg WorkerConfig) error {
	w, err := NewWorker(cfg)
	if err != nil {
		return err
	}
	return w.Serve(ctx)
}

// ServeStdio runs the worker side of a child process. The real stdout carries the protocol,
// so anything handlers print is redirected to stderr.
func ServeStdio(ctx context.Context, setup registry.SetupFunc, logger log.Logger) error {
	protocolOut := os.Stdout
	os.Stdout = os.Stderr
	defer func() { os.Stdout = protocolOut }()

	return Serve(ctx, WorkerConfig{
		ID:    os.Getenv(WorkerIDEnvVar),
		Setup: setup,
		Log:   logger,
		In:    os.Stdin,
		Out:   protocolOut,
	})
}

// Serve processes commands until FINALIZE. Reaching the end of the input before that is an
// error, as is any command out of order.
func (w *Worker) Serve(ctx context.Context) error {
	initialized := false
	for {
		cmd, err := w.in.readCommand()
		if errors.Is(err, io.EOF) {
			return errors.New("coordinator closed the connection before finalizing")
		}
		if err != nil {
			return err
		}

		switch cmd.Type {
		case CmdInitialize:
			if initialized {
				return w.fail(errors.New("worker already initialized"))
			}
			if cmd.Initialize == nil {
				return w.fail(errors.New("initialize command without payload"))
			}
			if err := w.initialize(ctx, cmd.Initialize); err != nil {
				return w.fail(err)
			}
			initialized = true
			if err := w.out.send(Message{Type: MsgReady}); err != nil {
				return err
			}
		case CmdRun:
			if !initialized {
				return w.fail(errors.New("run command before initialize"))
			}
			if cmd.Run == nil || cmd.Run.Scenario == nil {
				return w.fail(errors.New("run command without scenario"))
			}
			if err := w.run(ctx, cmd.Run); err != nil {
				return w.fail(err)
			}
		case CmdFinalize:
			if !initialized {
				return w.fail(errors.New("finalize command before initialize"))
			}
			return w.finalize(ctx)
		}
	}
}

// fail reports err to the coordinator before returning it.
func (w *Worker) fail(err error) error {
	w.log.Error("Worker failed", "err", err)
	if sendErr := w.out.send(Message{Type: MsgError, Error: err.Error()}); sendErr != nil {
		w.log.Warn("Failed to report error to coordinator", "err", sendErr)
	}
	return err
}

func (w *Worker) initialize(ctx context.Context, cmd *InitializeCommand) error {
	reg, err := registry.Build(registry.Config{Log: w.log}, w.cfg.Setup)
	if err != nil {
		return err
	}
	if err := compareDefinitions(cmd.DefinitionIDs, reg.DefinitionIDs()); err != nil {
		return err
	}
	w.reg = reg
	w.options = cmd.Options
	w.log.Info("Worker initialized", "runID", cmd.RunID, "definitions", len(cmd.DefinitionIDs))

	before, err := runner.RunGlobalHooks(ctx, reg, registry.KindBeforeAll, w.options, w.log)
	if err != nil {
		return err
	}
	if before.Status.WorseThan(types.StatusPassed) {
		w.skipAll = true
		// The run is already unsuccessful; scenarios still flow through so every one of them
		// is reported as skipped.
		msg := Message{Type: MsgError, Error: "beforeAll hook did not pass: " + before.Message}
		if err := w.out.send(msg); err != nil {
			return err
		}
	}
	return nil
}

func compareDefinitions(want, got []string) error {
	want = slices.Sorted(slices.Values(want))
	got = slices.Sorted(slices.Values(got))
	if slices.Equal(want, got) {
		return nil
	}
	return fmt.Errorf("%w: coordinator has %d, worker has %d", ErrDefinitionMismatch, len(want), len(got))
}

func (w *Worker) run(ctx context.Context, cmd *RunCommand) error {
	var (
		mu      sync.Mutex
		sendErr error
	)
	tc, err := runner.NewTestCaseRunner(runner.TestCaseConfig{
		Registry:    w.reg,
		Scenario:    cmd.Scenario,
		Options:     w.options,
		RetryBudget: cmd.RetryBudget,
		Skip:        cmd.Skip || w.skipAll || w.options.DryRun,
		WorkerID:    w.cfg.ID,
		Emit: func(env *types.Envelope) {
			if err := w.out.send(Message{Type: MsgEnvelope, Envelope: env}); err != nil {
				mu.Lock()
				sendErr = errors.Join(sendErr, err)
				mu.Unlock()
			}
		},
		Log: w.log,
	})
	if err != nil {
		return err
	}
	status, err := tc.Run(ctx)
	if err != nil {
		return err
	}
	mu.Lock()
	err = sendErr
	mu.Unlock()
	if err != nil {
		return err
	}
	return w.out.send(Message{Type: MsgFinished, Finished: &FinishedMessage{
		Success: !types.ShouldCauseFailure(status, false, w.options.Strict),
		Status:  status,
	}})
}

func (w *Worker) finalize(ctx context.Context) error {
	after, err := runner.RunGlobalHooks(ctx, w.reg, registry.KindAfterAll, w.options, w.log)
	if err != nil {
		return w.fail(err)
	}
	if after.Status.WorseThan(types.StatusPassed) {
		return w.fail(fmt.Errorf("afterAll hook did not pass: %s", after.Message))
	}
	w.log.Debug("Worker finalized")
	return nil
}
