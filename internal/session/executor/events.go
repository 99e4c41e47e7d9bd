package executor

import "encoding/json"

// AgentEvent is one structured event emitted by the agent CLI on its output
// stream. The stream is push-based and single-pass: once an event has been
// delivered to the OnEvent callback it cannot be replayed.
type AgentEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Result    string `json:"result,omitempty"`

	// Raw preserves the full event payload for rebroadcast to subscribers.
	Raw json.RawMessage `json:"-"`
}

// Event types emitted by the agent CLI stream.
const (
	EventTypeSystem    = "system"
	EventTypeAssistant = "assistant"
	EventTypeUser      = "user"
	EventTypeResult    = "result"
)
