package protocol

import (
	"encoding/json"
)

// StreamEventType identifies one variant of the worker's line-delimited
// output stream. The set is closed: anything else decodes to EventUnknown
// and is treated as a no-op.
type StreamEventType string

// Stream event variants emitted by the worker subprocess.
const (
	EventMessage StreamEventType = "message" // incremental assistant text, last one wins
	EventToolUse StreamEventType = "tool_use" // progress only, never part of final output
	EventResult  StreamEventType = "result"   // final result, overrides accumulated text
	EventUnknown StreamEventType = ""         // malformed or unrecognized line
)

// StreamEvent is the decoded form of one worker output line.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// EventMessage
	Text string `json:"text,omitempty"`

	// EventToolUse
	Tool      string `json:"tool,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`

	// EventResult
	Result       string   `json:"result,omitempty"`
	IsError      bool     `json:"is_error,omitempty"`
	CostUnits    float64  `json:"cost_units,omitempty"`
	ChangedFiles []string `json:"changed_files,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
}

// DecodeStreamLine parses one output line into a StreamEvent. Malformed JSON
// or an unrecognized type field yields an EventUnknown event, never an error:
// the stream is advisory and a bad line must not abort the run.
func DecodeStreamLine(line []byte) StreamEvent {
	var ev StreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return StreamEvent{Type: EventUnknown}
	}
	switch ev.Type {
	case EventMessage, EventToolUse, EventResult:
		return ev
	default:
		return StreamEvent{Type: EventUnknown}
	}
}
