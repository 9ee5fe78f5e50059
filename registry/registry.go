package registry

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"runtime"
	"slices"
	"sync"

	"github.com/ethereum-optimism/infra/op-scenario/tagexpr"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
)

// definitionNamespace seeds the name-based UUIDs of definitions, so every process that
// performs the same registrations derives the same definition IDs.
var definitionNamespace = uuid.MustParse("6f1d2c5e-3b8a-4c1e-9a57-2f0e4d8b7c11")

// SetupFunc performs a library's registrations. It is executed once per process: by the
// coordinator and again inside every worker.
type SetupFunc func(r *Registry) error

// Registry indexes bindings by pattern and tag and resolves step occurrences to them.
type Registry struct {
	config Config
	mu     sync.RWMutex

	bindings    []*StepBinding
	identities  map[string]*StepBinding
	definitions []*Definition
	byID        map[string]*Definition
	// stepDefs is keyed by pattern identity and tag.
	stepDefs map[[2]string]*Definition
	// patterns holds distinct step patterns in registration order.
	patterns    []*Pattern
	patternDefs map[string][]*Definition
	components  map[string]*Component
}

// Config contains registry configuration
type Config struct {
	Log log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	return &Registry{
		config:      cfg,
		identities:  make(map[string]*StepBinding),
		byID:        make(map[string]*Definition),
		stepDefs:    make(map[[2]string]*Definition),
		patternDefs: make(map[string][]*Definition),
		components:  make(map[string]*Component),
	}
}

// Build creates a registry, runs setup against it and validates the result.
func Build(cfg Config, setup SetupFunc) (*Registry, error) {
	r := NewRegistry(cfg)
	if setup != nil {
		if err := setup(r); err != nil {
			return nil, fmt.Errorf("registering bindings: %w", err)
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.config.Log.Debug("Registry built", "bindings", len(r.bindings), "definitions", len(r.definitions))
	return r, nil
}

// RegisterOwner declares a handler owner and the components injected into its constructor.
func (r *Registry) RegisterOwner(key string, construct Constructor, deps ...string) error {
	return r.registerComponent(&Component{Key: key, Construct: construct, Deps: deps})
}

// RegisterContext declares a context object shared by every owner in a scenario that
// depends on it. Contexts may depend on other contexts.
func (r *Registry) RegisterContext(key string, construct Constructor, deps ...string) error {
	return r.registerComponent(&Component{Key: key, Construct: construct, Deps: deps, Context: true})
}

func (r *Registry) registerComponent(c *Component) error {
	if c.Key == "" {
		return errors.New("component key is required")
	}
	if c.Construct == nil {
		return fmt.Errorf("component %s: constructor is required", c.Key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.components[c.Key]; ok {
		if existing.Context != c.Context {
			return fmt.Errorf("component %s registered both as owner and as context", c.Key)
		}
		return nil
	}
	for _, b := range r.bindings {
		if b.Owner == c.Key {
			c.Bindings = append(c.Bindings, b)
		}
	}
	r.components[c.Key] = c
	return nil
}

// Component returns a registered owner or context.
func (r *Registry) Component(key string) (*Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[key]
	return c, ok
}

// Given registers a step binding. Keywords share one namespace; the kind is informational.
func (r *Registry) Given(pattern any, owner, member string, h Handler, opts ...Option) error {
	return r.add(KindGiven, pattern, owner, member, h, opts)
}

// When registers a step binding.
func (r *Registry) When(pattern any, owner, member string, h Handler, opts ...Option) error {
	return r.add(KindWhen, pattern, owner, member, h, opts)
}

// Then registers a step binding.
func (r *Registry) Then(pattern any, owner, member string, h Handler, opts ...Option) error {
	return r.add(KindThen, pattern, owner, member, h, opts)
}

// Step registers a step binding of a kind chosen at runtime.
func (r *Registry) Step(kind Kind, pattern any, owner, member string, h Handler, opts ...Option) error {
	if !kind.IsStep() {
		return fmt.Errorf("%s is not a step kind", kind)
	}
	return r.add(kind, pattern, owner, member, h, opts)
}

// Hook registers a lifecycle hook of the given kind.
func (r *Registry) Hook(kind Kind, owner, member string, h Handler, opts ...Option) error {
	if !kind.IsHook() {
		return fmt.Errorf("%s is not a hook kind", kind)
	}
	return r.add(kind, nil, owner, member, h, opts)
}

// add captures the origin of the public caller, two frames up.
func (r *Registry) add(kind Kind, pattern any, owner, member string, h Handler, opts []Option) error {
	b := &StepBinding{Kind: kind, Owner: owner, Member: member, Handler: h, Arity: AnyArity}
	if pattern != nil {
		p, err := NewPattern(pattern)
		if err != nil {
			return err
		}
		b.Pattern = p
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.Origin == "" {
		b.Origin = callerOrigin(3)
	}
	return r.Register(b)
}

func callerOrigin(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// Register indexes a binding. Registering the same (pattern, tag, kind, owner, member,
// origin) twice is a no-op.
func (r *Registry) Register(b *StepBinding) error {
	if b == nil || b.Handler == nil {
		return errors.New("binding has no handler")
	}
	if b.Kind.IsStep() && b.Pattern == nil {
		return fmt.Errorf("%s binding requires a pattern", b.Kind)
	}
	if !b.Kind.IsStep() && !b.Kind.IsHook() {
		return fmt.Errorf("unknown binding kind %q", b.Kind)
	}
	if b.Kind.IsHook() && b.Pattern != nil {
		return fmt.Errorf("%s hook cannot have a pattern", b.Kind)
	}
	if b.Origin == "" {
		b.Origin = callerOrigin(2)
	}
	if b.Tag != "" {
		expr, err := tagexpr.Parse(b.Tag)
		if err != nil {
			return fmt.Errorf("binding %s: %w", b, err)
		}
		b.tagExpr = expr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := b.identity()
	if _, ok := r.identities[id]; ok {
		r.config.Log.Trace("Ignoring duplicate registration", "binding", b.String())
		return nil
	}
	r.identities[id] = b
	r.bindings = append(r.bindings, b)
	if c, ok := r.components[b.Owner]; ok {
		c.Bindings = append(c.Bindings, b)
	}

	def := r.definitionFor(b)
	def.Bindings = append(def.Bindings, b)
	b.RegistrationKey = def.ID
	return nil
}

// definitionFor returns the definition a binding belongs to, creating it on first use.
// Callers hold the write lock.
func (r *Registry) definitionFor(b *StepBinding) *Definition {
	if b.Kind.IsHook() {
		def := &Definition{
			ID:   uuid.NewSHA1(definitionNamespace, []byte("hook\x00"+b.identity())).String(),
			Kind: b.Kind,
			Tag:  b.Tag,
		}
		r.addDefinition(def)
		return def
	}
	key := [2]string{b.Pattern.String(), b.Tag}
	if def, ok := r.stepDefs[key]; ok {
		return def
	}
	def := &Definition{
		ID:      uuid.NewSHA1(definitionNamespace, []byte("step\x00"+key[0]+"\x00"+key[1])).String(),
		Kind:    b.Kind,
		Pattern: b.Pattern,
		Tag:     b.Tag,
	}
	r.stepDefs[key] = def
	if _, ok := r.patternDefs[key[0]]; !ok {
		r.patterns = append(r.patterns, b.Pattern)
	}
	r.patternDefs[key[0]] = append(r.patternDefs[key[0]], def)
	r.addDefinition(def)
	return def
}

func (r *Registry) addDefinition(def *Definition) {
	r.definitions = append(r.definitions, def)
	r.byID[def.ID] = def
}

// LookupByRegistrationKey returns the definition a registration key refers to.
func (r *Registry) LookupByRegistrationKey(key string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[key]
	return def, ok
}

// DefinitionIDs returns the IDs of every definition in registration order.
func (r *Registry) DefinitionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.definitions))
	for i, def := range r.definitions {
		ids[i] = def.ID
	}
	return ids
}

// Bindings returns every registered binding in registration order.
func (r *Registry) Bindings() []*StepBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*StepBinding(nil), r.bindings...)
}

// Resolve returns the bindings registered for a pattern that apply to the tags: tagged
// bindings whose expression holds, or, if there are none, the universally applicable ones.
func (r *Registry) Resolve(pattern string, tags []string) []*StepBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(pattern, tags)
}

func (r *Registry) resolve(pattern string, tags []string) []*StepBinding {
	var tagged, universal []*StepBinding
	for _, def := range r.patternDefs[pattern] {
		for _, b := range def.Bindings {
			switch {
			case b.IsDefaultTag():
				universal = append(universal, b)
			case b.AppliesTo(tags):
				tagged = append(tagged, b)
			}
		}
	}
	if len(tagged) > 0 {
		return tagged
	}
	return universal
}

// StepMatch is the unique binding that services a step occurrence.
type StepMatch struct {
	Binding    *StepBinding
	Definition *Definition
	Args       []string
}

// MatchStep resolves step text under the given tags. It returns (nil, nil) when no pattern
// matches the text, an *AmbiguousError when more than one binding applies and a
// *NoBindingError when patterns matched but none of their bindings applies to the tags.
func (r *Registry) MatchStep(text string, tags []string) (*StepMatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		matched    []*Pattern
		candidates []*StepBinding
		args       = make(map[*StepBinding][]string)
	)
	for _, p := range r.patterns {
		captured, ok := p.Match(text)
		if !ok {
			continue
		}
		matched = append(matched, p)
		for _, b := range r.resolve(p.String(), tags) {
			candidates = append(candidates, b)
			args[b] = captured
		}
	}
	switch {
	case len(matched) == 0:
		return nil, nil
	case len(candidates) == 0:
		return nil, &NoBindingError{Text: text, Pattern: matched[0].String(), Tags: tags}
	case len(candidates) > 1:
		return nil, &AmbiguousError{Text: text, Candidates: candidates}
	}
	b := candidates[0]
	return &StepMatch{Binding: b, Definition: r.byID[b.RegistrationKey], Args: args[b]}, nil
}

// Hooks returns the hooks of a kind whose tag scope matches, in execution order: registration
// order for before-type hooks, reverse registration order for after-type hooks.
func (r *Registry) Hooks(kind Kind, tags []string) []*StepBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var hooks []*StepBinding
	for _, b := range r.bindings {
		if b.Kind == kind && b.AppliesTo(tags) {
			hooks = append(hooks, b)
		}
	}
	if kind.IsAfter() {
		for i, j := 0, len(hooks)-1; i < j; i, j = i+1, j-1 {
			hooks[i], hooks[j] = hooks[j], hooks[i]
		}
	}
	return hooks
}

// Validate checks that every owner and dependency a binding or component refers to exists
// and that component dependencies are acyclic.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, b := range r.bindings {
		if b.Owner == "" {
			continue
		}
		if _, ok := r.components[b.Owner]; !ok {
			errs = append(errs, fmt.Errorf("binding %s: owner %q is not registered", b, b.Owner))
		}
	}
	for _, key := range slices.Sorted(maps.Keys(r.components)) {
		if err := r.checkDeps(key, map[string]bool{}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) checkDeps(key string, visiting map[string]bool) error {
	if visiting[key] {
		return fmt.Errorf("dependency cycle at component %s", key)
	}
	c, ok := r.components[key]
	if !ok {
		return fmt.Errorf("component %q is not registered", key)
	}
	visiting[key] = true
	defer delete(visiting, key)
	for _, dep := range c.Deps {
		if err := r.checkDeps(dep, visiting); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}
