package parallel

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessLauncherCommand(t *testing.T) {
	l := &ProcessLauncher{
		Executable: "/usr/local/bin/op-scenario",
		Args:       []string{"--log.level", "debug"},
		Env:        []string{"EXTRA=1"},
	}
	cmd, err := l.Command("3")
	require.NoError(t, err)

	assert.Equal(t, []string{"/usr/local/bin/op-scenario", "--log.level", "debug", WorkerCommand}, cmd.Args)
	assert.Contains(t, cmd.Env, "EXTRA=1")
	assert.Equal(t, WorkerIDEnvVar+"=3", cmd.Env[len(cmd.Env)-1])
	// Command must not alias the launcher's slices.
	assert.Equal(t, []string{"--log.level", "debug"}, l.Args)
}

func TestProcessLauncherDefaultsToSelf(t *testing.T) {
	cmd, err := (&ProcessLauncher{}).Command("1")
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.Path)
	assert.Equal(t, WorkerCommand, cmd.Args[len(cmd.Args)-1])
}

func TestInProcessLauncher(t *testing.T) {
	t.Run("exit error is reported by wait", func(t *testing.T) {
		l := &InProcessLauncher{Log: testLogger(), Serve: func(context.Context, WorkerConfig) error {
			return errors.New("exit status 3")
		}}
		p, err := l.Launch(context.Background(), "1")
		require.NoError(t, err)
		_, err = io.ReadAll(p.Stdout())
		require.NoError(t, err)
		assert.EqualError(t, p.Wait(), "exit status 3")
	})

	t.Run("panic becomes exit error", func(t *testing.T) {
		l := &InProcessLauncher{Log: testLogger(), Serve: func(context.Context, WorkerConfig) error {
			panic("kaboom")
		}}
		p, err := l.Launch(context.Background(), "1")
		require.NoError(t, err)
		_, _ = io.ReadAll(p.Stdout())
		assert.ErrorContains(t, p.Wait(), "kaboom")
	})

	t.Run("worker sees closed input", func(t *testing.T) {
		l := &InProcessLauncher{Setup: calculatorSetup, Log: testLogger()}
		p, err := l.Launch(context.Background(), "1")
		require.NoError(t, err)
		require.NoError(t, p.Stdin().Close())
		_, _ = io.ReadAll(p.Stdout())
		assert.ErrorContains(t, p.Wait(), "closed the connection")
	})
}
