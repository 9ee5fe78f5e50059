package parallel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime/debug"

	"github.com/ethereum-optimism/infra/op-scenario/registry"
	"github.com/ethereum/go-ethereum/log"
)

// WorkerIDEnvVar carries the worker identity into a child process.
const WorkerIDEnvVar = "OP_SCENARIO_WORKER_ID"

// WorkerCommand is the hidden CLI subcommand a child process is started with.
const WorkerCommand = "worker"

// Process is a started worker as seen by the coordinator.
type Process interface {
	// Stdin receives commands. Closing it asks the worker to stop.
	Stdin() io.WriteCloser
	// Stdout yields messages until the worker exits.
	Stdout() io.Reader
	// Wait blocks until the worker has exited. It must only be called once Stdout is drained.
	Wait() error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, workerID string) (Process, error)
}

// ProcessLauncher starts each worker as a child process running the hidden worker command
// of the current binary.
type ProcessLauncher struct {
	// Executable defaults to the running binary.
	Executable string
	// Args are passed before the worker command, e.g. global flags.
	Args []string
	// Env is appended to the inherited environment.
	Env []string
	Log log.Logger
}

var _ Launcher = (*ProcessLauncher)(nil)

// Command builds the command for one worker without starting it.
func (l *ProcessLauncher) Command(workerID string) (*exec.Cmd, error) {
	exe := l.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
	}
	args := append(append([]string(nil), l.Args...), WorkerCommand)
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, WorkerIDEnvVar+"="+workerID)
	return cmd, nil
}

// Launch starts the child process. Its stderr is forwarded line by line to the log.
func (l *ProcessLauncher) Launch(_ context.Context, workerID string) (Process, error) {
	logger := l.Log
	if logger == nil {
		logger = log.New()
	}
	logger = logger.New("worker", workerID)

	cmd, err := l.Command(workerID)
	if err != nil {
		return nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %s stdin: %w", workerID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %s stdout: %w", workerID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %s stderr: %w", workerID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", workerID, err)
	}
	logger.Debug("Started worker process", "pid", cmd.Process.Pid)

	p := &childProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderrDone: make(chan struct{})}
	go func() {
		defer close(p.stderrDone)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			logger.Info(scanner.Text())
		}
	}()
	return p, nil
}

type childProcess struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.Reader
	stderrDone chan struct{}
}

func (p *childProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *childProcess) Stdout() io.Reader     { return p.stdout }

func (p *childProcess) Wait() error {
	<-p.stderrDone
	return p.cmd.Wait()
}

// ServeFunc runs a worker until it is finalized or its input ends.
type ServeFunc func(ctx context.Context, cfg WorkerConfig) error

// InProcessLauncher runs each worker as a goroutine connected by pipes. Every worker builds
// its own registry from Setup, the same way a child process would.
type InProcessLauncher struct {
	Setup registry.SetupFunc
	Log   log.Logger
	// Serve replaces the worker loop, mainly to simulate misbehaving workers.
	Serve ServeFunc
}

var _ Launcher = (*InProcessLauncher)(nil)

// Launch starts the worker goroutine.
func (l *InProcessLauncher) Launch(ctx context.Context, workerID string) (Process, error) {
	logger := l.Log
	if logger == nil {
		logger = log.New()
	}
	serve := l.Serve
	if serve == nil {
		serve = Serve
	}

	cmdR, cmdW := io.Pipe()
	msgR, msgW := io.Pipe()
	p := &pipeProcess{stdin: cmdW, stdout: msgR, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.err = fmt.Errorf("worker %s panicked: %v\n%s", workerID, r, debug.Stack())
			}
			_ = msgW.Close()
			_ = cmdR.Close()
		}()
		p.err = serve(ctx, WorkerConfig{
			ID:    workerID,
			Setup: l.Setup,
			Log:   logger.New("worker", workerID),
			In:    cmdR,
			Out:   msgW,
		})
	}()
	return p, nil
}

type pipeProcess struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	done   chan struct{}
	err    error
}

func (p *pipeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *pipeProcess) Stdout() io.Reader     { return p.stdout }

func (p *pipeProcess) Wait() error {
	<-p.done
	return p.err
}
