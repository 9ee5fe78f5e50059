package scenarioctx

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-scenario/registry"
	"github.com/ethereum-optimism/infra/op-scenario/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counters struct {
	constructed map[string]int
	initialized map[string]int
	disposed    []string
}

func newCounters() *counters {
	return &counters{constructed: map[string]int{}, initialized: map[string]int{}}
}

type tracked struct {
	key        string
	c          *counters
	deps       []any
	initErr    error
	disposeErr error
	panics     bool
}

func (o *tracked) Initialize(context.Context, StartInfo) error {
	o.c.initialized[o.key]++
	return o.initErr
}

func (o *tracked) Dispose(context.Context, EndInfo) error {
	o.c.disposed = append(o.c.disposed, o.key)
	if o.panics {
		panic("dispose exploded")
	}
	return o.disposeErr
}

type mutate func(*tracked)

func newLookup(t *testing.T, c *counters, mutations map[string]mutate) *registry.Registry {
	t.Helper()
	r := registry.NewRegistry(registry.Config{Log: log.NewLogger(log.DiscardHandler())})
	construct := func(key string) registry.Constructor {
		return func(_ *types.World, deps []any) (any, error) {
			c.constructed[key]++
			o := &tracked{key: key, c: c, deps: deps}
			if m, ok := mutations[key]; ok {
				m(o)
			}
			return o, nil
		}
	}
	require.NoError(t, r.RegisterContext("network", construct("network")))
	require.NoError(t, r.RegisterContext("wallet", construct("wallet"), "network"))
	require.NoError(t, r.RegisterOwner("steps", construct("steps"), "wallet", "network"))
	require.NoError(t, r.RegisterOwner("other", construct("other"), "network"))
	return r
}

func newManager(lookup Lookup) *Manager {
	scenario := &types.Scenario{Name: "transfer", Tags: []string{"@devnet"}}
	return New(lookup, scenario, types.NewWorld(nil, nil), log.NewLogger(log.DiscardHandler()))
}

func TestExactlyOnceActivation(t *testing.T) {
	c := newCounters()
	m := newManager(newLookup(t, c, nil))
	ctx := context.Background()

	var first any
	for i := 0; i < 5; i++ {
		inst, err := m.GetOrActivate("steps")
		require.NoError(t, err)
		if first == nil {
			first = inst
		}
		assert.Same(t, first, inst)
		_, err = m.GetOrActivate("other")
		require.NoError(t, err)
		require.NoError(t, m.InitializeAll(ctx, StartInfo{Title: m.Title()}))
	}

	assert.Equal(t, map[string]int{"network": 1, "wallet": 1, "steps": 1, "other": 1}, c.constructed)
	// Only context objects are initialized.
	assert.Equal(t, map[string]int{"network": 1, "wallet": 1}, c.initialized)

	steps := first.(*tracked)
	require.Len(t, steps.deps, 2)
	assert.Equal(t, "wallet", steps.deps[0].(*tracked).key)
	assert.Equal(t, "network", steps.deps[1].(*tracked).key)
	// The wallet received the same network instance the owner did.
	assert.Same(t, steps.deps[1], steps.deps[0].(*tracked).deps[0])

	assert.Equal(t, []string{"network", "wallet", "steps", "other"}, m.Active())

	assert.Equal(t, 0, m.DisposeAll(ctx, EndInfo{Title: "transfer", Status: types.StatusPassed}))
	assert.Equal(t, 0, m.DisposeAll(ctx, EndInfo{Title: "transfer", Status: types.StatusPassed}))
	assert.Equal(t, []string{"network", "wallet", "steps", "other"}, c.disposed)

	_, err := m.GetOrActivate("steps")
	assert.Error(t, err, "activation after dispose")
}

func TestDisposeIsolation(t *testing.T) {
	c := newCounters()
	m := newManager(newLookup(t, c, map[string]mutate{
		"network": func(o *tracked) { o.disposeErr = errors.New("rpc closed") },
		"wallet":  func(o *tracked) { o.panics = true },
	}))
	_, err := m.GetOrActivate("steps")
	require.NoError(t, err)

	failures := m.DisposeAll(context.Background(), EndInfo{Status: types.StatusFailed})
	assert.Equal(t, 2, failures)
	assert.Equal(t, []string{"network", "wallet", "steps"}, c.disposed)
}

func TestInitializeFailureIsNotRetried(t *testing.T) {
	c := newCounters()
	m := newManager(newLookup(t, c, map[string]mutate{
		"network": func(o *tracked) { o.initErr = errors.New("unreachable") },
	}))
	_, err := m.GetOrActivate("other")
	require.NoError(t, err)

	err = m.InitializeAll(context.Background(), StartInfo{})
	assert.ErrorContains(t, err, "initializing network")
	assert.NoError(t, m.InitializeAll(context.Background(), StartInfo{}))
	assert.Equal(t, 1, c.initialized["network"])

	t.Run("LaterContextsStayPending", func(t *testing.T) {
		c := newCounters()
		m := newManager(newLookup(t, c, map[string]mutate{
			"network": func(o *tracked) { o.initErr = errors.New("unreachable") },
		}))
		_, err := m.GetOrActivate("steps")
		require.NoError(t, err)

		err = m.InitializeAll(context.Background(), StartInfo{})
		assert.ErrorContains(t, err, "initializing network")
		assert.Equal(t, map[string]int{"network": 1}, c.initialized)

		// The wallet was never reached, so the next call sets it up.
		assert.NoError(t, m.InitializeAll(context.Background(), StartInfo{}))
		assert.Equal(t, map[string]int{"network": 1, "wallet": 1}, c.initialized)
	})
}

func TestConcurrentActivationConstructsOnce(t *testing.T) {
	var constructions atomic.Int32
	release := make(chan struct{})
	r := registry.NewRegistry(registry.Config{Log: log.NewLogger(log.DiscardHandler())})
	require.NoError(t, r.RegisterOwner("slow", func(*types.World, []any) (any, error) {
		constructions.Add(1)
		<-release
		return &tracked{key: "slow", c: newCounters()}, nil
	}))
	m := newManager(r)

	const callers = 4
	results := make(chan any, callers)
	for i := 0; i < callers; i++ {
		go func() {
			inst, err := m.GetOrActivate("slow")
			assert.NoError(t, err)
			results <- inst
		}()
	}
	require.Eventually(t, func() bool { return constructions.Load() == 1 }, time.Second, time.Millisecond)
	close(release)

	first := <-results
	for i := 1; i < callers; i++ {
		assert.Same(t, first, <-results)
	}
	assert.Equal(t, int32(1), constructions.Load())
	assert.Equal(t, []string{"slow"}, m.Active())
}

func TestConstructionFinishingAfterDispose(t *testing.T) {
	c := newCounters()
	entered, release := make(chan struct{}), make(chan struct{})
	r := registry.NewRegistry(registry.Config{Log: log.NewLogger(log.DiscardHandler())})
	require.NoError(t, r.RegisterOwner("slow", func(*types.World, []any) (any, error) {
		close(entered)
		<-release
		return &tracked{key: "slow", c: c}, nil
	}))
	m := newManager(r)

	errs := make(chan error, 1)
	go func() {
		_, err := m.GetOrActivate("slow")
		errs <- err
	}()
	<-entered
	assert.Equal(t, 0, m.DisposeAll(context.Background(), EndInfo{Status: types.StatusFailed}))
	close(release)

	assert.ErrorContains(t, <-errs, "already disposed")
	assert.Equal(t, []string{"slow"}, c.disposed)
	assert.Empty(t, m.Active())
}

func TestActivationErrors(t *testing.T) {
	r := registry.NewRegistry(registry.Config{Log: log.NewLogger(log.DiscardHandler())})
	require.NoError(t, r.RegisterContext("a", func(*types.World, []any) (any, error) { return 1, nil }, "b"))
	require.NoError(t, r.RegisterContext("b", func(*types.World, []any) (any, error) { return 2, nil }, "a"))
	require.NoError(t, r.RegisterOwner("broken", func(*types.World, []any) (any, error) {
		return nil, errors.New("no funds")
	}))
	m := newManager(r)

	_, err := m.GetOrActivate("a")
	assert.ErrorContains(t, err, "dependency cycle")
	_, err = m.GetOrActivate("missing")
	assert.ErrorContains(t, err, "not registered")
	_, err = m.GetOrActivate("broken")
	assert.ErrorContains(t, err, "no funds")
	assert.Empty(t, m.Active())
}

func TestScenarioInfo(t *testing.T) {
	m := newManager(newLookup(t, newCounters(), nil))
	assert.Equal(t, "transfer", m.Title())
	assert.Equal(t, []string{"@devnet"}, m.Tags())
	assert.NotNil(t, m.World())
}
