package runner

import (
	"sync"

	"github.com/ethereum-optimism/infra/op-scenario/types"
)

// Sink consumes envelopes.
type Sink interface {
	Handle(env *types.Envelope)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(env *types.Envelope)

func (f SinkFunc) Handle(env *types.Envelope) { f(env) }

// EventBus fans envelopes out to sinks in publication order. Publishing is serialized so
// sinks never observe two envelopes concurrently.
type EventBus struct {
	mu    sync.Mutex
	sinks []Sink
}

// NewEventBus creates a bus delivering to the given sinks.
func NewEventBus(sinks ...Sink) *EventBus {
	return &EventBus{sinks: sinks}
}

// Subscribe adds a sink. Envelopes published before subscription are not replayed.
func (b *EventBus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish delivers the envelope to every sink.
func (b *EventBus) Publish(env *types.Envelope) {
	if b == nil || env == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sinks {
		s.Handle(env)
	}
}

// Recorder is a Sink that keeps every envelope, for tests and post-run inspection.
type Recorder struct {
	mu        sync.Mutex
	envelopes []*types.Envelope
}

func (r *Recorder) Handle(env *types.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
}

// Envelopes returns a copy of everything recorded so far.
func (r *Recorder) Envelopes() []*types.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Envelope(nil), r.envelopes...)
}

// Kinds returns the kind of every recorded envelope, in order.
func (r *Recorder) Kinds() []string {
	envs := r.Envelopes()
	kinds := make([]string, len(envs))
	for i, env := range envs {
		kinds[i] = env.Kind()
	}
	return kinds
}
