package agent

import "github.com/beeweed/vibecoder/internal/protocol"

// EventType names one logical step of an agent run.
type EventType string

const (
	EventIterationStarted EventType = "iteration_started"
	EventText             EventType = "text"
	EventFileOp           EventType = "file_op"
	EventToolCallStarted  EventType = "tool_call_started"
	EventToolCallResult   EventType = "tool_call_result"
	EventDone             EventType = "done"
	EventError            EventType = "error"
)

// Event is emitted to the host once per logical step, in order.
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id,omitempty"`

	// iteration_started
	Iteration    int `json:"iteration,omitempty"`
	PromptTokens int `json:"prompt_tokens,omitempty"`

	// text
	Content string `json:"content,omitempty"`

	// file_op
	Op         *protocol.FileOperation `json:"op,omitempty"`
	Incomplete bool                    `json:"incomplete,omitempty"`
	ApplyError string                  `json:"apply_error,omitempty"`

	// tool_call_started, tool_call_result
	Name    string            `json:"name,omitempty"`
	Args    map[string]string `json:"args,omitempty"`
	Result  string            `json:"result,omitempty"`
	IsError bool              `json:"is_error,omitempty"`

	// done
	Iterations int    `json:"iterations,omitempty"`
	Summary    string `json:"summary,omitempty"`

	// error
	Error        string `json:"error,omitempty"`
	IterationCap bool   `json:"iteration_cap,omitempty"`
}
