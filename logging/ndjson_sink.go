package logging

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/ethereum-optimism/infra/op-scenario/types"
)

// EventsLog is the per-run file holding the raw envelope stream.
const EventsLog = "events.ndjson"

// NDJSONSink writes every envelope as one line of JSON. The output can be replayed by any
// tool that understands the envelope stream.
type NDJSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

// NewNDJSONSink creates a sink writing to w.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{enc: json.NewEncoder(w)}
}

func (s *NDJSONSink) Handle(env *types.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Encode terminates each value with a newline.
	if err := s.enc.Encode(env); err != nil && s.err == nil {
		s.err = err
	}
}

// Err returns the first write error.
func (s *NDJSONSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
