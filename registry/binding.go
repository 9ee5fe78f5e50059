package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum-optimism/infra/op-scenario/tagexpr"
	"github.com/ethereum-optimism/infra/op-scenario/types"
)

// Kind is the lifecycle point or step keyword a binding is registered for.
type Kind string

const (
	KindGiven      Kind = "given"
	KindWhen       Kind = "when"
	KindThen       Kind = "then"
	KindBefore     Kind = "before"
	KindAfter      Kind = "after"
	KindBeforeAll  Kind = "beforeAll"
	KindAfterAll   Kind = "afterAll"
	KindBeforeStep Kind = "beforeStep"
	KindAfterStep  Kind = "afterStep"
)

// IsStep reports whether the kind binds step text. Given, when and then share one namespace:
// the keyword used in a scenario does not participate in matching.
func (k Kind) IsStep() bool {
	return k == KindGiven || k == KindWhen || k == KindThen
}

// IsHook reports whether the kind binds a lifecycle point.
func (k Kind) IsHook() bool {
	switch k {
	case KindBefore, KindAfter, KindBeforeAll, KindAfterAll, KindBeforeStep, KindAfterStep:
		return true
	}
	return false
}

// IsAfter reports whether hooks of this kind run as cleanup, in reverse registration order.
func (k Kind) IsAfter() bool {
	return k == KindAfter || k == KindAfterAll || k == KindAfterStep
}

// Call carries everything a handler needs to know about the occurrence it was invoked for.
type Call struct {
	Scenario *types.Scenario
	// Step is nil for scenario and run level hooks.
	Step *types.Step
	// Args are the captured pattern arguments.
	Args []string
	// Result is the worst result of the attempt so far. Only set for after-type hooks.
	Result *types.StepResult
	// WillBeRetried is set for after-type hooks when the attempt is failing and another
	// attempt remains.
	WillBeRetried bool
	World         *types.World
}

// Arg returns the i-th captured argument or "".
func (c *Call) Arg(i int) string {
	if c == nil || i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// Handler is the function a binding invokes. self is the activated owner instance, or nil
// for bindings without an owner.
type Handler func(ctx context.Context, self any, call *Call) error

// Method adapts a handler written against a concrete owner type.
func Method[T any](fn func(ctx context.Context, self T, call *Call) error) Handler {
	return func(ctx context.Context, self any, call *Call) error {
		typed, ok := self.(T)
		if !ok {
			var zero T
			return fmt.Errorf("handler expects owner of type %T, got %T", zero, self)
		}
		return fn(ctx, typed, call)
	}
}

// Func adapts a handler that does not use an owner instance.
func Func(fn func(ctx context.Context, call *Call) error) Handler {
	return func(ctx context.Context, _ any, call *Call) error {
		return fn(ctx, call)
	}
}

// AnyArity disables the argument count check for a step binding.
const AnyArity = -1

// StepBinding is one registered handler.
type StepBinding struct {
	// Pattern is nil for hooks.
	Pattern *Pattern
	Kind    Kind
	// Owner is the key of the component whose instance is passed as self. Empty for none.
	Owner string
	// Member names the handler on its owner, for diagnostics and idempotence.
	Member string
	// Tag is a tag expression scoping the binding. Empty applies universally.
	Tag     string
	Timeout time.Duration
	// Arity is the expected number of captured arguments, or AnyArity.
	Arity  int
	Origin string
	// RegistrationKey is the ID of the Definition this binding belongs to.
	RegistrationKey string
	Handler         Handler

	tagExpr tagexpr.Expr
}

// AppliesTo reports whether the binding's tag scope matches the given tags.
func (b *StepBinding) AppliesTo(tags []string) bool {
	if b.tagExpr == nil {
		return true
	}
	return b.tagExpr.Evaluate(tags)
}

// IsDefaultTag reports whether the binding applies universally.
func (b *StepBinding) IsDefaultTag() bool {
	return b.Tag == ""
}

// CheckArity validates a captured argument count against the binding.
func (b *StepBinding) CheckArity(args int) error {
	if b.Arity == AnyArity || b.Arity == args {
		return nil
	}
	return fmt.Errorf("step definition at %s expects %d argument(s), pattern %s captured %d",
		b.Origin, b.Arity, b.Pattern, args)
}

func (b *StepBinding) String() string {
	if b.Pattern != nil {
		return fmt.Sprintf("%s %s (%s)", b.Kind, b.Pattern, b.Origin)
	}
	return fmt.Sprintf("%s hook (%s)", b.Kind, b.Origin)
}

// identity is the idempotence key of a registration.
func (b *StepBinding) identity() string {
	pattern := ""
	if b.Pattern != nil {
		pattern = b.Pattern.String()
	}
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s\x00%s\x00%s", pattern, b.Tag, b.Kind, b.Owner, b.Member, b.Origin)
}

// Option customizes a binding at registration time.
type Option func(*StepBinding)

// WithTag scopes the binding to scenarios whose tags satisfy the expression.
func WithTag(expr string) Option {
	return func(b *StepBinding) { b.Tag = expr }
}

// WithTimeout overrides the default step timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *StepBinding) { b.Timeout = d }
}

// WithArity declares the number of arguments the handler consumes.
func WithArity(n int) Option {
	return func(b *StepBinding) { b.Arity = n }
}

// WithOrigin overrides the origin captured from the caller.
func WithOrigin(origin string) Option {
	return func(b *StepBinding) { b.Origin = origin }
}

// Constructor builds a component instance. deps holds the activated instances of the
// component's declared dependencies, in declared order.
type Constructor func(w *types.World, deps []any) (any, error)

// Component is a scenario-scoped object type: either a handler owner or a context object
// shared between owners.
type Component struct {
	Key       string
	Construct Constructor
	// Deps are the keys of components injected into Construct.
	Deps []string
	// Context marks collaborator objects whose Initialize hook is driven by the runner.
	Context bool
	// Bindings lists the bindings owned by this component.
	Bindings []*StepBinding
}

// Definition is what the runner sees: one entry per (pattern, tag) for steps, and one per
// hook binding. Several bindings may share a step definition, which is how ambiguity
// arises.
type Definition struct {
	ID       string
	Kind     Kind
	Pattern  *Pattern
	Tag      string
	Bindings []*StepBinding
}
