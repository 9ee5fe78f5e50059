package opscenario

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-scenario/flags"
	"github.com/ethereum-optimism/infra/op-scenario/parallel"
	"github.com/ethereum-optimism/infra/op-scenario/registry"
)

// StopTimeout bounds the shutdown of the service after the run command ends.
const StopTimeout = 30 * time.Second

// Lifecycle is a service that is started once and stopped on shutdown.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Stopped() bool
}

// LifecycleAction builds the service. closeApp ends the command once the service is done.
type LifecycleAction func(ctx *cli.Context, closeApp context.CancelCauseFunc) (Lifecycle, error)

// LifecycleCmd turns a LifecycleAction into a command action: the service is started, runs
// until it closes the app or the process is interrupted, and is then stopped.
func LifecycleCmd(fn LifecycleAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		appCtx, closeApp := context.WithCancelCause(c.Context)
		defer closeApp(nil)
		ctx, stopSignals := signal.NotifyContext(appCtx, os.Interrupt, syscall.SIGTERM)
		defer stopSignals()

		lifecycle, err := fn(c, closeApp)
		if err != nil {
			return err
		}

		startErr := lifecycle.Start(ctx)
		if startErr == nil {
			<-ctx.Done()
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), StopTimeout)
		defer cancel()
		stopErr := lifecycle.Stop(stopCtx)

		if startErr != nil {
			return errors.Join(startErr, stopErr)
		}
		if cause := context.Cause(appCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			return errors.Join(cause, stopErr)
		}
		return stopErr
	}
}

// NewApp builds the op-scenario command line around a step library. The same binary serves
// as its own worker process: the hidden worker command is what parallel runs launch.
func NewApp(setup registry.SetupFunc) *cli.App {
	app := cli.NewApp()
	app.Name = "op-scenario"
	app.Usage = "Behaviour scenario runner"
	app.Description = "op-scenario runs Gherkin feature files against a registered step library"
	app.ArgsUsage = "[feature paths...]"
	app.Flags = append(append([]cli.Flag{}, flags.Flags...), flags.GlobalFlags...)
	app.Action = LifecycleCmd(func(ctx *cli.Context, closeApp context.CancelCauseFunc) (Lifecycle, error) {
		return newService(ctx, setup, closeApp)
	})
	app.Commands = []*cli.Command{
		{
			Name:   parallel.WorkerCommand,
			Usage:  "Serve scenarios for a coordinating op-scenario process over stdin and stdout",
			Hidden: true,
			Action: func(ctx *cli.Context) error {
				logger, err := flags.SetupLogger(ctx)
				if err != nil {
					return NewRuntimeError(err)
				}
				if err := parallel.ServeStdio(ctx.Context, setup, logger); err != nil {
					return NewRuntimeError(err)
				}
				return nil
			},
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err == nil {
			return
		}
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
			return
		}
		cli.HandleExitCoder(cli.Exit(err.Error(), ExitCode(err)))
	}
	return app
}

func newService(ctx *cli.Context, setup registry.SetupFunc, closeApp context.CancelCauseFunc) (*ScenarioService, error) {
	logger, err := flags.SetupLogger(ctx)
	if err != nil {
		return nil, NewRuntimeError(fmt.Errorf("failed to set up logging: %w", err))
	}
	cfg, err := NewConfig(ctx, logger)
	if err != nil {
		return nil, NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	cfg.Log.Debug("Config", "config", cfg)

	launcher := &parallel.ProcessLauncher{
		Args: workerArgs(ctx),
		Log:  logger,
	}
	executor := NewDefaultScenarioExecutor(cfg, setup, launcher)
	svc, err := New(cfg, executor, closeApp)
	if err != nil {
		return nil, NewRuntimeError(fmt.Errorf("failed to create service: %w", err))
	}
	return svc, nil
}

// workerArgs forwards the log settings to worker processes.
func workerArgs(ctx *cli.Context) []string {
	return []string{
		"--" + flags.LogLevel.Name, ctx.String(flags.LogLevel.Name),
		"--" + flags.LogFormat.Name, ctx.String(flags.LogFormat.Name),
		"--" + flags.LogColor.Name + "=" + strconv.FormatBool(ctx.Bool(flags.LogColor.Name)),
	}
}
