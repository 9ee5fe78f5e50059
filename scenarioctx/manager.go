// Package scenarioctx holds the objects that live for one scenario attempt: handler owners
// and the context objects they share. Objects are constructed lazily and exactly once,
// context objects are initialized once, and everything is disposed when the attempt ends.
package scenarioctx

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"github.com/ethereum-optimism/infra/op-scenario/metrics"
	"github.com/ethereum-optimism/infra/op-scenario/registry"
	"github.com/ethereum-optimism/infra/op-scenario/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/singleflight"
)

// Lookup resolves component keys to their registrations.
type Lookup interface {
	Component(key string) (*registry.Component, bool)
}

// StartInfo describes the scenario an attempt is about to run.
type StartInfo struct {
	Title   string
	Tags    []string
	Attempt int
}

// EndInfo describes how an attempt ended.
type EndInfo struct {
	Title         string
	Tags          []string
	Status        types.Status
	WillBeRetried bool
}

// Initializer is implemented by context objects that need setup before the first step that
// uses them.
type Initializer interface {
	Initialize(ctx context.Context, info StartInfo) error
}

// Disposer is implemented by objects that hold resources past their last step.
type Disposer interface {
	Dispose(ctx context.Context, info EndInfo) error
}

type activation struct {
	key         string
	instance    any
	context     bool
	initialized bool
}

// Manager is the per-attempt activation store. It is not shared between attempts.
type Manager struct {
	lookup Lookup
	world  *types.World
	log    log.Logger
	title  string
	tags   []string

	// building dedups constructions that are still running, including ones whose caller
	// has already timed out.
	building singleflight.Group

	mu       sync.Mutex
	active   map[string]*activation
	order    []*activation
	disposed bool
	end      EndInfo
}

// New creates a manager for one attempt of the scenario.
func New(lookup Lookup, scenario *types.Scenario, world *types.World, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	m := &Manager{
		lookup: lookup,
		world:  world,
		log:    logger,
		active: make(map[string]*activation),
	}
	if scenario != nil {
		m.title = scenario.Name
		m.tags = slices.Clone(scenario.Tags)
	}
	return m
}

// Title returns the title of the scenario the manager serves.
func (m *Manager) Title() string { return m.title }

// Tags returns the tags of the scenario the manager serves.
func (m *Manager) Tags() []string { return m.tags }

// World returns the world handle passed to constructors.
func (m *Manager) World() *types.World { return m.world }

// GetOrActivate returns the instance for key, constructing it and its dependencies on first
// use. Dependencies are passed to the constructor in declared order.
func (m *Manager) GetOrActivate(key string) (any, error) {
	return m.getOrActivate(key, nil)
}

func (m *Manager) getOrActivate(key string, path []string) (any, error) {
	if inst, ok, err := m.lookupActive(key); ok || err != nil {
		return inst, err
	}
	if slices.Contains(path, key) {
		return nil, fmt.Errorf("dependency cycle: %s -> %s", strings.Join(path, " -> "), key)
	}
	comp, ok := m.lookup.Component(key)
	if !ok {
		return nil, fmt.Errorf("component %q is not registered", key)
	}

	path = append(slices.Clone(path), key)
	instance, err, _ := m.building.Do(key, func() (any, error) {
		if inst, ok, err := m.lookupActive(key); ok || err != nil {
			return inst, err
		}
		return m.activate(comp, path)
	})
	return instance, err
}

func (m *Manager) lookupActive(key string) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, false, fmt.Errorf("activating %s: scenario context already disposed", key)
	}
	if a, ok := m.active[key]; ok {
		return a.instance, true, nil
	}
	return nil, false, nil
}

func (m *Manager) activate(comp *registry.Component, path []string) (any, error) {
	key := comp.Key
	deps := make([]any, len(comp.Deps))
	for i, dep := range comp.Deps {
		inst, err := m.getOrActivate(dep, path)
		if err != nil {
			return nil, fmt.Errorf("activating %s: %w", key, err)
		}
		deps[i] = inst
	}

	instance, err := comp.Construct(m.world, deps)
	if err != nil {
		return nil, fmt.Errorf("constructing %s: %w", key, err)
	}

	m.mu.Lock()
	if m.disposed {
		// The attempt ended while the constructor ran.
		end := m.end
		m.mu.Unlock()
		if d, ok := instance.(Disposer); ok {
			if err := safeDispose(context.Background(), d, end); err != nil {
				m.log.Error("Failed to dispose scenario object", "key", key, "scenario", end.Title, "err", err)
				metrics.RecordDisposeFailure(key)
			}
		}
		return nil, fmt.Errorf("activating %s: scenario context already disposed", key)
	}
	a := &activation{key: key, instance: instance, context: comp.Context}
	m.active[key] = a
	m.order = append(m.order, a)
	m.mu.Unlock()
	m.log.Trace("Activated scenario object", "key", key, "context", comp.Context)
	return instance, nil
}

// InitializeAll runs Initialize on every active context object that has not been
// initialized yet, in activation order. An object is flagged when its own Initialize is
// invoked, so a failing Initialize is not retried, and objects after it are left for the
// next call.
func (m *Manager) InitializeAll(ctx context.Context, info StartInfo) error {
	for {
		a := m.nextUninitialized()
		if a == nil {
			return nil
		}
		init, ok := a.instance.(Initializer)
		if !ok {
			continue
		}
		if err := init.Initialize(ctx, info); err != nil {
			return fmt.Errorf("initializing %s: %w", a.key, err)
		}
	}
}

func (m *Manager) nextUninitialized() *activation {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.order {
		if a.context && !a.initialized {
			a.initialized = true
			return a
		}
	}
	return nil
}

// DisposeAll disposes every active object in activation order. It runs at most once per
// manager. A failing or panicking Dispose is logged and counted and does not prevent the
// remaining objects from being disposed. It returns the number of failures.
func (m *Manager) DisposeAll(ctx context.Context, info EndInfo) int {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return 0
	}
	m.disposed = true
	m.end = info
	order := slices.Clone(m.order)
	m.mu.Unlock()

	failures := 0
	for _, a := range order {
		d, ok := a.instance.(Disposer)
		if !ok {
			continue
		}
		if err := safeDispose(ctx, d, info); err != nil {
			failures++
			m.log.Error("Failed to dispose scenario object", "key", a.key, "scenario", info.Title, "err", err)
			metrics.RecordDisposeFailure(a.key)
		}
	}
	return failures
}

func safeDispose(ctx context.Context, d Disposer, info EndInfo) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return d.Dispose(ctx, info)
}

// Active returns the keys of the active objects in activation order.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, len(m.order))
	for i, a := range m.order {
		keys[i] = a.key
	}
	return keys
}
