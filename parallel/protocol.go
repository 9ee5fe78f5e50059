// Package parallel distributes scenarios over a fixed pool of worker processes.
//
// The coordinator and each worker talk over a pair of byte streams using newline-delimited
// JSON: the coordinator writes commands to the worker's stdin and reads messages from its
// stdout. Worker logs go to stderr.
//
//	coordinator                    worker
//	INITIALIZE{paths, ids, opts} ->
//	                             <- READY
//	RUN{scenario, budget, skip}  ->
//	                             <- ENVELOPE{event} ...
//	                             <- FINISHED{success}
//	FINALIZE                     ->
//	                                (afterAll hooks, exit)
package parallel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum-optimism/infra/op-scenario/types"
)

// CommandType identifies a coordinator to worker command.
type CommandType string

const (
	CmdInitialize CommandType = "INITIALIZE"
	CmdRun        CommandType = "RUN"
	CmdFinalize   CommandType = "FINALIZE"
)

// Valid returns true if this is a recognized command type.
func (t CommandType) Valid() bool {
	switch t {
	case CmdInitialize, CmdRun, CmdFinalize:
		return true
	}
	return false
}

// MessageType identifies a worker to coordinator message.
type MessageType string

const (
	MsgReady    MessageType = "READY"
	MsgEnvelope MessageType = "ENVELOPE"
	MsgFinished MessageType = "FINISHED"
	MsgError    MessageType = "ERROR"
)

// Valid returns true if this is a recognized message type.
func (t MessageType) Valid() bool {
	switch t {
	case MsgReady, MsgEnvelope, MsgFinished, MsgError:
		return true
	}
	return false
}

// InitializeCommand carries the data every worker shares.
type InitializeCommand struct {
	RunID string   `json:"runId"`
	Paths []string `json:"paths,omitempty"`
	// DefinitionIDs is the coordinator's definition table. A worker whose rebuilt registry
	// disagrees refuses to run.
	DefinitionIDs []string         `json:"definitionIds"`
	Options       types.RunOptions `json:"options"`
}

// RunCommand assigns one scenario.
type RunCommand struct {
	Scenario    *types.Scenario `json:"scenario"`
	RetryBudget int             `json:"retryBudget"`
	Skip        bool            `json:"skip"`
}

// Command is one line written to a worker.
type Command struct {
	Type       CommandType        `json:"type"`
	Initialize *InitializeCommand `json:"initialize,omitempty"`
	Run        *RunCommand        `json:"run,omitempty"`
}

// FinishedMessage reports the end of an assigned scenario.
type FinishedMessage struct {
	// Success is false when the scenario's outcome fails the run.
	Success bool         `json:"success"`
	Status  types.Status `json:"status"`
}

// Message is one line written by a worker.
type Message struct {
	Type     MessageType      `json:"type"`
	Envelope *types.Envelope  `json:"envelope,omitempty"`
	Finished *FinishedMessage `json:"finished,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// encoder writes one JSON value per line. It is safe for concurrent use, since attachments
// may be emitted from a handler goroutine.
type encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{w: w}
}

func (e *encoder) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	data = append(data, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write %T: %w", v, err)
	}
	return nil
}

// decoder reads newline-delimited JSON values.
type decoder struct {
	r *bufio.Reader
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{r: bufio.NewReader(r)}
}

// next returns the next non-empty line. io.EOF is returned once the stream ends cleanly.
func (d *decoder) next() ([]byte, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (d *decoder) readCommand() (*Command, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}
	if !cmd.Type.Valid() {
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}
	return &cmd, nil
}

func (d *decoder) readMessage() (*Message, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return &msg, nil
}
