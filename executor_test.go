package opscenario

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-scenario/logging"
	"github.com/ethereum-optimism/infra/op-scenario/parallel"
	"github.com/ethereum-optimism/infra/op-scenario/registry"
	"github.com/ethereum-optimism/infra/op-scenario/types"
)

type counter struct {
	value int
}

// counterSetup registers the steps of testdata/features. The unreliable increment fails every
// other call, so the first attempt of a scenario fails and its retry passes.
func counterSetup() registry.SetupFunc {
	var unreliable atomic.Int32
	return func(r *registry.Registry) error {
		if err := r.RegisterOwner("counter", func(*types.World, []any) (any, error) {
			return &counter{}, nil
		}); err != nil {
			return err
		}
		if err := r.Given("a counter at {int}", "counter", "Set", registry.Method(func(_ context.Context, c *counter, call *registry.Call) error {
			n, err := strconv.Atoi(call.Arg(0))
			c.value = n
			return err
		})); err != nil {
			return err
		}
		if err := r.When("it is incremented", "counter", "Increment", registry.Method(func(_ context.Context, c *counter, _ *registry.Call) error {
			c.value++
			return nil
		})); err != nil {
			return err
		}
		if err := r.When("it is incremented unreliably", "counter", "IncrementUnreliably", registry.Method(func(_ context.Context, c *counter, _ *registry.Call) error {
			if unreliable.Add(1)%2 == 1 {
				return fmt.Errorf("lost the increment")
			}
			c.value++
			return nil
		})); err != nil {
			return err
		}
		return r.Then("it reads {int}", "counter", "Check", registry.Method(func(_ context.Context, c *counter, call *registry.Call) error {
			if want := call.Arg(0); strconv.Itoa(c.value) != want {
				return fmt.Errorf("counter reads %d, want %s", c.value, want)
			}
			return nil
		}))
	}
}

func executorConfig(tags string) *Config {
	return &Config{
		Paths:          []string{filepath.Join("testdata", "features")},
		Tags:           tags,
		Strict:         true,
		DefaultTimeout: types.DefaultStepTimeout,
		Order:          "defined",
		RunOnce:        true,
		Log:            testLogger(),
	}
}

func TestDefaultScenarioExecutor_Execute(t *testing.T) {
	tests := []struct {
		name     string
		tags     string
		retry    int
		parallel int
		success  bool
		passed   int
		failed   int
		flaky    int
	}{
		{name: "passing scenario", tags: "not @flaky and not @broken", success: true, passed: 1},
		{name: "failing scenario", tags: "@broken", failed: 1},
		{name: "flaky scenario without retry", tags: "@flaky", failed: 1},
		{name: "flaky scenario with retry", tags: "@flaky", retry: 1, success: true, passed: 1, flaky: 1},
		{name: "parallel run", tags: "not @flaky", parallel: 2, passed: 1, failed: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := executorConfig(tt.tags)
			cfg.Retry = tt.retry
			cfg.Parallel = tt.parallel
			setup := counterSetup()
			executor := NewDefaultScenarioExecutor(cfg, setup, &parallel.InProcessLauncher{Setup: setup, Log: cfg.Log})

			result, err := executor.Execute(context.Background())
			require.NoError(t, err)
			assert.NotEmpty(t, result.RunID)
			assert.Equal(t, tt.success, result.Success)
			assert.Equal(t, tt.passed, result.Stats.Passed)
			assert.Equal(t, tt.failed, result.Stats.Failed)
			assert.Equal(t, tt.flaky, result.Stats.Flaky)
		})
	}
}

func TestDefaultScenarioExecutor_WritesRunLogs(t *testing.T) {
	cfg := executorConfig("@broken")
	cfg.LogDir = t.TempDir()

	result, err := NewDefaultScenarioExecutor(cfg, counterSetup(), nil).Execute(context.Background())
	require.NoError(t, err)

	runDir := filepath.Join(cfg.LogDir, logging.RunDirectoryPrefix+result.RunID)
	summary, err := os.ReadFile(filepath.Join(runDir, logging.SummaryLog))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "Counting wrongly")
	assert.Contains(t, string(summary), "FAILED")

	assert.FileExists(t, filepath.Join(runDir, logging.EventsLog))
	failed, err := filepath.Glob(filepath.Join(runDir, logging.FailedDirectory, "*.log"))
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestDefaultScenarioExecutor_RuntimeErrors(t *testing.T) {
	t.Run("missing feature path", func(t *testing.T) {
		cfg := executorConfig("")
		cfg.Paths = []string{filepath.Join(t.TempDir(), "missing.feature")}
		_, err := NewDefaultScenarioExecutor(cfg, counterSetup(), nil).Execute(context.Background())
		require.Error(t, err)
		assert.True(t, IsRuntimeError(err))
	})

	t.Run("failing setup", func(t *testing.T) {
		setup := func(*registry.Registry) error { return fmt.Errorf("no steps today") }
		_, err := NewDefaultScenarioExecutor(executorConfig(""), setup, nil).Execute(context.Background())
		require.Error(t, err)
		assert.True(t, IsRuntimeError(err))
		assert.Contains(t, err.Error(), "no steps today")
	})

	t.Run("parallel without launcher", func(t *testing.T) {
		cfg := executorConfig("")
		cfg.Parallel = 2
		_, err := NewDefaultScenarioExecutor(cfg, counterSetup(), nil).Execute(context.Background())
		require.Error(t, err)
		assert.True(t, IsRuntimeError(err))
	})
}
