package proto

import "time"

// EventKind names one step of a streamed turn.
type EventKind string

const (
	EventNodeStart    EventKind = "node_start"
	EventModelStart   EventKind = "model_start"
	EventModelToken   EventKind = "model_token"
	EventModelEnd     EventKind = "model_end"
	EventToolEnd      EventKind = "tool_end"
	EventNodeEnd      EventKind = "node_end"
	EventTurnComplete EventKind = "turn_complete"
	EventTurnFailed   EventKind = "turn_failed"
)

// Event is one item of a turn's event stream.
//
// For model_token, Content is the incremental text and MessageID names the
// message it belongs to. A model_end with Replace set carries the full text of
// a blocking fallback call; consumers replace whatever they accumulated for
// that MessageID instead of appending.
type Event struct {
	Time       time.Time    `json:"time"`
	State      *ThreadState `json:"state,omitempty"`
	Kind       EventKind    `json:"kind"`
	ThreadID   string       `json:"thread_id"`
	Node       string       `json:"node,omitempty"`
	MessageID  string       `json:"message_id,omitempty"`
	Content    string       `json:"content,omitempty"`
	ToolName   string       `json:"tool_name,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Error      string       `json:"error,omitempty"`
	Replace    bool         `json:"replace,omitempty"`
	// IsError marks a tool_end whose tool reported a failure.
	IsError bool `json:"is_error,omitempty"`
}

// Emitter receives events. A nil Emitter discards them.
type Emitter func(Event)

// Emit forwards ev when e is non-nil, stamping the time if unset.
func (e Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	e(ev)
}

// WithNode returns an emitter that fills in Node on every event it forwards.
func (e Emitter) WithNode(node string) Emitter {
	if e == nil {
		return nil
	}
	return func(ev Event) {
		if ev.Node == "" {
			ev.Node = node
		}
		e(ev)
	}
}
