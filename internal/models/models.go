// Package models defines the core data structures for msi-a-sub002.
//
// It includes conversation state, case collection state, catalog entities,
// constraint rules, and tool invocation records shared across modules.
package models

import (
	"errors"
	"time"
)

// Error variables for better error handling and testability
var (
	ErrUnknownSectionField    = errors.New("unknown field for section schema")
	ErrUnknownItemField       = errors.New("unknown field for item schema")
	ErrUnknownItem            = errors.New("item code not found in catalog")
	ErrCatalogCycle           = errors.New("field dependency cycle in catalog")
	ErrConversationNotFound   = errors.New("conversation not found")
	ErrEmptyConversationID    = errors.New("conversation id cannot be empty")
	ErrEmptyRecipient         = errors.New("recipient cannot be empty")
	ErrPersistenceUnavailable = errors.New("persistence backend unavailable")
)

// MessageRole identifies who authored a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ConversationMessage is a single entry in a conversation's message log.
type ConversationMessage struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// TariffResult holds the last computed quote for a conversation. The core
// carries it opaquely; pricing arithmetic happens outside the orchestrator.
type TariffResult struct {
	Concept    string    `json:"concept"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	ComputedAt time.Time `json:"computed_at"`
}

// Attachment represents a media artifact received from or queued for a
// conversation. Scope ties it to an item code or to the base-docs phase.
type Attachment struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	CaseID         string    `json:"case_id,omitempty"`
	Scope          string    `json:"scope,omitempty"` // item code or "base_docs"
	MimeType       string    `json:"mime_type,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// ConversationState is the full persisted state of one conversation thread.
// It is owned by the orchestration gateway and mutated only through
// transition results; handlers never write to it in place.
type ConversationState struct {
	ConversationID     string                `json:"conversation_id"`
	Messages           []ConversationMessage `json:"messages"`
	FirstInteraction   bool                  `json:"first_interaction"`
	Escalated          bool                  `json:"escalated"`
	AgentDisabled      bool                  `json:"agent_disabled"` // panic flag: static handoff notice, no responder calls
	Category           string                `json:"category,omitempty"`
	LastTariff         *TariffResult         `json:"last_tariff,omitempty"`
	PendingAttachments []Attachment          `json:"pending_attachments,omitempty"`
	Case               *CaseState            `json:"case,omitempty"`
	TurnSeq            int64                 `json:"turn_seq"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// AppendMessage adds a message to the conversation log with a timestamp.
func (cs *ConversationState) AppendMessage(role MessageRole, content string) {
	cs.Messages = append(cs.Messages, ConversationMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
}

// Response represents an incoming message from a customer.
type Response struct {
	From        string       `json:"from"`
	Body        string       `json:"body"`
	Time        int64        `json:"time"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the standard JSON envelope for admin API responses.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
