package chat

import "github.com/beeweed/vibecoder/internal/protocol"

// EventType names a streaming chat event.
type EventType string

const (
	EventText         EventType = "text"
	EventFileOp       EventType = "file_op"
	EventFileProgress EventType = "file_progress"
	EventDone         EventType = "done"
	EventError        EventType = "error"
)

// Event is one ordered unit of a streaming chat response.
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`

	// file_op
	Op         *protocol.FileOperation `json:"op,omitempty"`
	Incomplete bool                    `json:"incomplete,omitempty"`
	ApplyError string                  `json:"apply_error,omitempty"`

	// file_progress; an empty path means no file is being written.
	Path string `json:"path,omitempty"`

	// done
	RunID      string `json:"run_id,omitempty"`
	Operations int    `json:"operations,omitempty"`

	Error string `json:"error,omitempty"`
}
