// Package models defines tool structures for LLM function calling and the
// append-only tool invocation audit trail.
package models

import (
	"encoding/json"
	"time"
)

// ToolCall represents an LLM tool function call.
type ToolCall struct {
	ID       string       `json:"id"`       // Tool call ID from OpenAI
	Type     string       `json:"type"`     // Always "function" for OpenAI
	Function FunctionCall `json:"function"` // Function details
}

// FunctionCall represents the function details within a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the result of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
}

// ToolOutcome classifies how a tool invocation ended.
type ToolOutcome string

const (
	ToolOutcomeSuccess ToolOutcome = "success"
	ToolOutcomeError   ToolOutcome = "error"
	ToolOutcomeBlocked ToolOutcome = "blocked"
)

// ToolInvocationRecord is one entry in the append-only audit trail. FSM
// logic never reads it back except to answer "was tool X called this turn";
// the screener receives the current turn's records in memory.
type ToolInvocationRecord struct {
	ConversationID string      `json:"conversation_id"`
	Tool           string      `json:"tool"`
	Params         string      `json:"params"` // sanitized JSON, never raw user content
	Outcome        ToolOutcome `json:"outcome"`
	TurnSeq        int64       `json:"turn_seq"`
	Timestamp      time.Time   `json:"timestamp"`
}
