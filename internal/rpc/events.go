// ABOUTME: Typed stream events and the NDJSON wire frames that carry them.
// ABOUTME: A closed set of kinds; unknown kinds are protocol violations, not skips.

package rpc

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates the closed set of stream event variants.
type EventKind int

const (
	// EventMessage is a plain incremental message from the remote agent.
	EventMessage EventKind = iota
	// EventProgress is a task-progress update for a long-running operation.
	EventProgress
	// EventResult is the terminal frame; no frames follow it.
	EventResult
)

// String returns the wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventProgress:
		return "progress"
	case EventResult:
		return "result"
	default:
		return "unknown"
	}
}

// Event is one element of a streaming response. Exactly one of the
// variant field groups is meaningful, selected by Kind; consumers switch
// exhaustively on Kind.
type Event struct {
	Kind EventKind

	// EventMessage
	Text string

	// EventProgress
	TaskID string
	State  string
	Detail string

	// EventResult
	Outcome string

	// Err is set instead of a variant when the stream failed. It is
	// always terminal.
	Err error
}

// Terminal reports whether no further events follow this one.
func (e *Event) Terminal() bool {
	return e.Kind == EventResult || e.Err != nil
}

// frame is the NDJSON wire representation of a stream event.
type frame struct {
	Kind    string `json:"kind"`
	Text    string `json:"text,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	State   string `json:"state,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// encodeFrame converts an event to its wire frame.
func encodeFrame(e *Event) frame {
	f := frame{Kind: e.Kind.String()}
	switch e.Kind {
	case EventMessage:
		f.Text = e.Text
	case EventProgress:
		f.TaskID = e.TaskID
		f.State = e.State
		f.Detail = e.Detail
	case EventResult:
		f.Text = e.Text
		f.Outcome = e.Outcome
	}
	return f
}

// decodeFrame parses one NDJSON line into an event. A kind outside the
// closed set is a protocol violation and fails the decode.
func decodeFrame(line []byte) (*Event, error) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("decoding stream frame: %w", err)
	}

	switch f.Kind {
	case "message":
		return &Event{Kind: EventMessage, Text: f.Text}, nil
	case "progress":
		return &Event{Kind: EventProgress, TaskID: f.TaskID, State: f.State, Detail: f.Detail}, nil
	case "result":
		return &Event{Kind: EventResult, Text: f.Text, Outcome: f.Outcome}, nil
	default:
		return nil, fmt.Errorf("unknown stream frame kind %q", f.Kind)
	}
}
