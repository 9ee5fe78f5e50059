package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ethereum-optimism/infra/op-scenario/registry"
	"github.com/ethereum-optimism/infra/op-scenario/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T, reg *registry.Registry, opts types.RunOptions, sinks ...Sink) *Runtime {
	t.Helper()
	rt, err := NewRuntime(Config{Registry: reg, Options: opts, Log: testLogger(), Sinks: sinks})
	require.NoError(t, err)
	return rt
}

func calculatorRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := newReg()
	require.NoError(t, reg.Given("ok", "", "ok", registry.Func(pass)))
	require.NoError(t, reg.Given("broken", "", "broken", registry.Func(fail)))
	require.NoError(t, reg.Given("not yet", "", "pending", registry.Func(func(context.Context, *registry.Call) error {
		return ErrPending
	})))
	return reg
}

func TestRunScenarios(t *testing.T) {
	tests := []struct {
		name      string
		opts      types.RunOptions
		scenarios []*types.Scenario
		success   bool
		want      []types.Status
	}{
		{
			name:      "all pass",
			scenarios: []*types.Scenario{scenario("a", "ok"), scenario("b", "ok", "ok")},
			success:   true,
			want:      []types.Status{types.StatusPassed, types.StatusPassed},
		},
		{
			name:      "failure fails the run",
			scenarios: []*types.Scenario{scenario("a", "broken"), scenario("b", "ok")},
			success:   false,
			want:      []types.Status{types.StatusFailed, types.StatusPassed},
		},
		{
			name:      "fail fast skips later scenarios",
			opts:      types.RunOptions{FailFast: true},
			scenarios: []*types.Scenario{scenario("a", "broken"), scenario("b", "ok")},
			success:   false,
			want:      []types.Status{types.StatusFailed, types.StatusSkipped},
		},
		{
			name:      "undefined passes when not strict",
			scenarios: []*types.Scenario{scenario("a", "missing"), scenario("b", "not yet")},
			success:   true,
			want:      []types.Status{types.StatusUndefined, types.StatusPending},
		},
		{
			name:      "undefined fails when strict",
			opts:      types.RunOptions{Strict: true},
			scenarios: []*types.Scenario{scenario("a", "missing")},
			success:   false,
			want:      []types.Status{types.StatusUndefined},
		},
		{
			name:      "dry run invokes nothing",
			opts:      types.RunOptions{DryRun: true},
			scenarios: []*types.Scenario{scenario("a", "broken"), scenario("b", "ok")},
			success:   true,
			want:      []types.Status{types.StatusSkipped, types.StatusSkipped},
		},
		{
			name:      "retry recovers nothing for a permanent failure",
			opts:      types.RunOptions{Retry: 1},
			scenarios: []*types.Scenario{scenario("a", "broken")},
			success:   false,
			want:      []types.Status{types.StatusFailed},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newRuntime(t, calculatorRegistry(t), tt.opts)
			result, err := rt.RunScenarios(context.Background(), tt.scenarios)
			require.NoError(t, err)
			assert.Equal(t, tt.success, result.Success)
			require.Len(t, result.Cases, len(tt.want))
			for i, want := range tt.want {
				assert.Equal(t, want, result.Cases[i].Status, "scenario %d", i)
			}
			assert.Equal(t, len(tt.want), result.Stats.Total)
			assert.NotEmpty(t, result.RunID)
		})
	}
}

func TestRunLevelHooks(t *testing.T) {
	t.Run("failing beforeAll skips everything", func(t *testing.T) {
		reg := calculatorRegistry(t)
		var afterAll atomic.Bool
		require.NoError(t, reg.Hook(registry.KindBeforeAll, "", "connect", registry.Func(fail)))
		require.NoError(t, reg.Hook(registry.KindAfterAll, "", "disconnect", registry.Func(func(context.Context, *registry.Call) error {
			afterAll.Store(true)
			return nil
		})))

		result, err := newRuntime(t, reg, types.RunOptions{}).RunScenarios(context.Background(), []*types.Scenario{scenario("a", "ok")})
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "beforeAll")
		assert.Equal(t, types.StatusSkipped, result.Cases[0].Status)
		assert.True(t, afterAll.Load())
	})

	t.Run("owner on a run-level hook is a wiring fault", func(t *testing.T) {
		reg := calculatorRegistry(t)
		require.NoError(t, reg.RegisterOwner("owner", func(*types.World, []any) (any, error) { return 1, nil }))
		require.NoError(t, reg.Hook(registry.KindBeforeAll, "owner", "connect", registry.Func(pass)))

		result, err := newRuntime(t, reg, types.RunOptions{}).RunScenarios(context.Background(), []*types.Scenario{scenario("a", "ok")})
		assert.ErrorIs(t, err, registry.ErrNoScenarioContext)
		require.NotNil(t, result)
		assert.False(t, result.Success)
	})
}

func TestRunEnvelopes(t *testing.T) {
	rec := &Recorder{}
	rt := newRuntime(t, calculatorRegistry(t), types.RunOptions{}, rec)
	result, err := rt.RunScenarios(context.Background(), []*types.Scenario{scenario("a", "ok")})
	require.NoError(t, err)

	kinds := rec.Kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, "testRunStarted", kinds[0])
	assert.Equal(t, "pickle", kinds[1])
	assert.Equal(t, "testRunFinished", kinds[len(kinds)-1])
	last := rec.Envelopes()[len(kinds)-1].TestRunFinished
	assert.True(t, last.Success)
	assert.Equal(t, result.RunID, rec.Envelopes()[0].TestRunStarted.RunID)
}

func TestNoBindingAbortsRun(t *testing.T) {
	reg := calculatorRegistry(t)
	require.NoError(t, reg.Given("scoped", "", "m", registry.Func(pass), registry.WithTag("@devnet")))

	result, err := newRuntime(t, reg, types.RunOptions{}).RunScenarios(context.Background(), []*types.Scenario{
		scenario("a", "ok"),
		scenario("b", "scoped"),
	})
	var nb *registry.NoBindingError
	require.True(t, errors.As(err, &nb))
	assert.False(t, result.Success)
	assert.Len(t, result.Cases, 1)
}

func TestRetryBudget(t *testing.T) {
	tagged := &types.Scenario{Tags: []string{"@flaky"}}
	plain := &types.Scenario{}

	budget, err := RetryBudget(tagged, types.RunOptions{Retry: 2, RetryTagFilter: "@flaky"})
	require.NoError(t, err)
	assert.Equal(t, 2, budget)

	budget, err = RetryBudget(plain, types.RunOptions{Retry: 2, RetryTagFilter: "@flaky"})
	require.NoError(t, err)
	assert.Equal(t, 0, budget)

	budget, err = RetryBudget(plain, types.RunOptions{Retry: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, budget)

	_, err = RetryBudget(plain, types.RunOptions{Retry: 1, RetryTagFilter: "@a @b or"})
	assert.Error(t, err)
}

func TestOrderScenarios(t *testing.T) {
	var in []*types.Scenario
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		in = append(in, scenario(name))
	}
	names := func(s []*types.Scenario) []string {
		var out []string
		for _, sc := range s {
			out = append(out, sc.Name)
		}
		return out
	}

	defined, _, err := OrderScenarios(in, OrderDefined)
	require.NoError(t, err)
	assert.Equal(t, names(in), names(defined))

	first, seed, err := OrderScenarios(in, "random:42")
	require.NoError(t, err)
	assert.EqualValues(t, 42, seed)
	second, _, err := OrderScenarios(in, "random:42")
	require.NoError(t, err)
	assert.Equal(t, names(first), names(second))
	assert.ElementsMatch(t, names(in), names(first))

	_, _, err = OrderScenarios(in, "sideways")
	assert.Error(t, err)
	_, _, err = OrderScenarios(in, "random:abc")
	assert.Error(t, err)
}
