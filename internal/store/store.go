// Package store provides storage backends for msi-a-sub002.
//
// It includes an in-memory store for tests and development, and persistent
// SQLite and PostgreSQL stores for deployment. All backends hold the same
// data: conversation state snapshots, received attachments, the item
// catalog, constraint rules, the tool invocation audit trail, and message
// receipts and responses.
package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/pepeccz/msi-a-sub002/internal/models"
)

// Store defines the persistence operations shared by all backends.
type Store interface {
	// Conversation state. SaveConversation persists the full snapshot; a
	// turn whose final save fails is considered failed.
	SaveConversation(state *models.ConversationState) error
	GetConversation(conversationID string) (*models.ConversationState, error)
	DeleteConversation(conversationID string) error
	ListConversationIDs() ([]string, error)

	// Attachments. CountAttachments backs the photo and base-doc
	// completion checks; scope is an item confirm scope or "base_docs".
	AddAttachment(att models.Attachment) error
	CountAttachments(caseID, scope string) (int, error)
	ListAttachments(caseID string) ([]models.Attachment, error)

	// Item catalog.
	ListItemDefinitions() ([]models.ItemDefinition, error)
	SaveItemDefinition(def models.ItemDefinition) error

	// Constraint rules for the response screener.
	ListConstraintRules() ([]models.ConstraintRule, error)
	SaveConstraintRule(rule models.ConstraintRule) error
	DeleteConstraintRule(id string) error

	// Append-only tool invocation audit trail.
	AddToolInvocation(rec models.ToolInvocationRecord) error
	GetToolInvocations(conversationID string) ([]models.ToolInvocationRecord, error)

	// Message delivery bookkeeping.
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	AddResponse(r models.Response) error
	GetResponses() ([]models.Response, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a functional option for configuring a store.
type Option func(*Opts)

// WithDSN sets the database DSN (file path for SQLite, URL for Postgres).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite3". Anything that
// does not look like a Postgres URL or key=value string is treated as a
// SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// InMemoryStore is a mutex-guarded in-memory implementation of Store. Used
// in tests and for ephemeral development runs.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.ConversationState
	attachments   []models.Attachment
	items         map[string]models.ItemDefinition
	rules         map[string]models.ConstraintRule
	invocations   []models.ToolInvocationRecord
	receipts      []models.Receipt
	responses     []models.Response
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*models.ConversationState),
		items:         make(map[string]models.ItemDefinition),
		rules:         make(map[string]models.ConstraintRule),
	}
}

func (s *InMemoryStore) SaveConversation(state *models.ConversationState) error {
	if state == nil || state.ConversationID == "" {
		return models.ErrEmptyConversationID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *state
	s.conversations[state.ConversationID] = &copied
	return nil
}

func (s *InMemoryStore) GetConversation(conversationID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (s *InMemoryStore) DeleteConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
	return nil
}

func (s *InMemoryStore) ListConversationIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) AddAttachment(att models.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments = append(s.attachments, att)
	return nil
}

func (s *InMemoryStore) CountAttachments(caseID, scope string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, att := range s.attachments {
		if att.CaseID == caseID && att.Scope == scope {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) ListAttachments(caseID string) ([]models.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Attachment
	for _, att := range s.attachments {
		if att.CaseID == caseID {
			out = append(out, att)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListItemDefinitions() ([]models.ItemDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ItemDefinition, 0, len(s.items))
	for _, def := range s.items {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *InMemoryStore) SaveItemDefinition(def models.ItemDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[def.Code] = def
	return nil
}

func (s *InMemoryStore) ListConstraintRules() ([]models.ConstraintRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConstraintRule, 0, len(s.rules))
	for _, rule := range s.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SaveConstraintRule(rule models.ConstraintRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
	return nil
}

func (s *InMemoryStore) DeleteConstraintRule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
	return nil
}

func (s *InMemoryStore) AddToolInvocation(rec models.ToolInvocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invocations = append(s.invocations, rec)
	return nil
}

func (s *InMemoryStore) GetToolInvocations(conversationID string) ([]models.ToolInvocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ToolInvocationRecord
	for _, rec := range s.invocations {
		if rec.ConversationID == conversationID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Receipt(nil), s.receipts...), nil
}

func (s *InMemoryStore) AddResponse(r models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return nil
}

func (s *InMemoryStore) GetResponses() ([]models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Response(nil), s.responses...), nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
