// Package store provides storage backends for msi-a-sub002.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/pepeccz/msi-a-sub002/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("store.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("store.NewPostgresStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("store.NewPostgresStore: failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("store.NewPostgresStore: Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("store.NewPostgresStore: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("store.NewPostgresStore: Postgres migrations applied")

	return &PostgresStore{db: db}, nil
}

// SaveConversation stores the conversation state as a JSON snapshot.
func (s *PostgresStore) SaveConversation(state *models.ConversationState) error {
	if state == nil || state.ConversationID == "" {
		return models.ErrEmptyConversationID
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		slog.Error("PostgresStore.SaveConversation: JSON marshal failed", "error", err, "conversationID", state.ConversationID)
		return fmt.Errorf("failed to marshal conversation state: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO conversations (conversation_id, state_json, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE SET state_json = EXCLUDED.state_json, updated_at = EXCLUDED.updated_at`,
		state.ConversationID, string(stateJSON), state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveConversation: upsert failed", "error", err, "conversationID", state.ConversationID)
		return fmt.Errorf("failed to save conversation %s: %w", state.ConversationID, err)
	}
	return nil
}

// GetConversation loads a conversation state snapshot. Returns (nil, nil)
// when the conversation does not exist.
func (s *PostgresStore) GetConversation(conversationID string) (*models.ConversationState, error) {
	var stateJSON string
	err := s.db.QueryRow(`SELECT state_json FROM conversations WHERE conversation_id = $1`, conversationID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetConversation: query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	var state models.ConversationState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		slog.Error("PostgresStore.GetConversation: JSON unmarshal failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to unmarshal conversation %s: %w", conversationID, err)
	}
	return &state, nil
}

func (s *PostgresStore) DeleteConversation(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE conversation_id = $1`, conversationID)
	if err != nil {
		slog.Error("PostgresStore.DeleteConversation: delete failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to delete conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *PostgresStore) ListConversationIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT conversation_id FROM conversations ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) AddAttachment(att models.Attachment) error {
	_, err := s.db.Exec(`INSERT INTO attachments (id, conversation_id, case_id, scope, mime_type, received_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		att.ID, att.ConversationID, att.CaseID, att.Scope, att.MimeType, att.ReceivedAt)
	if err != nil {
		slog.Error("PostgresStore.AddAttachment: insert failed", "error", err, "attachmentID", att.ID)
		return fmt.Errorf("failed to insert attachment %s: %w", att.ID, err)
	}
	return nil
}

func (s *PostgresStore) CountAttachments(caseID, scope string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM attachments WHERE case_id = $1 AND scope = $2`, caseID, scope).Scan(&count)
	if err != nil {
		slog.Error("PostgresStore.CountAttachments: query failed", "error", err, "caseID", caseID, "scope", scope)
		return 0, fmt.Errorf("failed to count attachments for case %s: %w", caseID, err)
	}
	return count, nil
}

func (s *PostgresStore) ListAttachments(caseID string) ([]models.Attachment, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, case_id, scope, mime_type, received_at FROM attachments WHERE case_id = $1 ORDER BY received_at`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments for case %s: %w", caseID, err)
	}
	defer rows.Close()
	var out []models.Attachment
	for rows.Next() {
		var att models.Attachment
		if err := rows.Scan(&att.ID, &att.ConversationID, &att.CaseID, &att.Scope, &att.MimeType, &att.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attachment row: %w", err)
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListItemDefinitions() ([]models.ItemDefinition, error) {
	rows, err := s.db.Query(`SELECT code, name, fields_json FROM item_definitions ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to query item definitions: %w", err)
	}
	defer rows.Close()
	var out []models.ItemDefinition
	for rows.Next() {
		var def models.ItemDefinition
		var fieldsJSON string
		if err := rows.Scan(&def.Code, &def.Name, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan item definition row: %w", err)
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &def.Fields); err != nil {
			slog.Error("PostgresStore.ListItemDefinitions: fields unmarshal failed", "error", err, "code", def.Code)
			return nil, fmt.Errorf("failed to unmarshal fields for item %s: %w", def.Code, err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveItemDefinition(def models.ItemDefinition) error {
	fieldsJSON, err := json.Marshal(def.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields for item %s: %w", def.Code, err)
	}
	_, err = s.db.Exec(`INSERT INTO item_definitions (code, name, fields_json) VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, fields_json = EXCLUDED.fields_json`,
		def.Code, def.Name, string(fieldsJSON))
	if err != nil {
		slog.Error("PostgresStore.SaveItemDefinition: upsert failed", "error", err, "code", def.Code)
		return fmt.Errorf("failed to save item definition %s: %w", def.Code, err)
	}
	return nil
}

func (s *PostgresStore) ListConstraintRules() ([]models.ConstraintRule, error) {
	rows, err := s.db.Query(`SELECT id, name, pattern, required_tool, corrective, priority, category, skip_during_collection, active, updated_at FROM constraint_rules ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query constraint rules: %w", err)
	}
	defer rows.Close()
	var out []models.ConstraintRule
	for rows.Next() {
		var rule models.ConstraintRule
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Pattern, &rule.RequiredTool, &rule.Corrective,
			&rule.Priority, &rule.Category, &rule.SkipDuringCollection, &rule.Active, &rule.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan constraint rule row: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveConstraintRule(rule models.ConstraintRule) error {
	_, err := s.db.Exec(`INSERT INTO constraint_rules (id, name, pattern, required_tool, corrective, priority, category, skip_during_collection, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, pattern = EXCLUDED.pattern, required_tool = EXCLUDED.required_tool,
			corrective = EXCLUDED.corrective, priority = EXCLUDED.priority, category = EXCLUDED.category,
			skip_during_collection = EXCLUDED.skip_during_collection, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		rule.ID, rule.Name, rule.Pattern, rule.RequiredTool, rule.Corrective, rule.Priority, rule.Category, rule.SkipDuringCollection, rule.Active, rule.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveConstraintRule: upsert failed", "error", err, "ruleID", rule.ID)
		return fmt.Errorf("failed to save constraint rule %s: %w", rule.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteConstraintRule(id string) error {
	_, err := s.db.Exec(`DELETE FROM constraint_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete constraint rule %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) AddToolInvocation(rec models.ToolInvocationRecord) error {
	_, err := s.db.Exec(`INSERT INTO tool_invocations (conversation_id, tool, params_json, outcome, turn_seq, timestamp) VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ConversationID, rec.Tool, rec.Params, rec.Outcome, rec.TurnSeq, rec.Timestamp)
	if err != nil {
		slog.Error("PostgresStore.AddToolInvocation: insert failed", "error", err, "conversationID", rec.ConversationID, "tool", rec.Tool)
		return fmt.Errorf("failed to insert tool invocation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetToolInvocations(conversationID string) ([]models.ToolInvocationRecord, error) {
	rows, err := s.db.Query(`SELECT conversation_id, tool, params_json, outcome, turn_seq, timestamp FROM tool_invocations WHERE conversation_id = $1 ORDER BY turn_seq, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool invocations: %w", err)
	}
	defer rows.Close()
	var out []models.ToolInvocationRecord
	for rows.Next() {
		var rec models.ToolInvocationRecord
		if err := rows.Scan(&rec.ConversationID, &rec.Tool, &rec.Params, &rec.Outcome, &rec.TurnSeq, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan tool invocation row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, status, time) VALUES ($1, $2, $3)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("PostgresStore.AddReceipt: insert failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

func (s *PostgresStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, status, time FROM receipts`)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()
	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.To, &r.Status, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *PostgresStore) AddResponse(r models.Response) error {
	_, err := s.db.Exec(`INSERT INTO responses (sender, body, time) VALUES ($1, $2, $3)`, r.From, r.Body, r.Time)
	if err != nil {
		slog.Error("PostgresStore.AddResponse: insert failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	return nil
}

func (s *PostgresStore) GetResponses() ([]models.Response, error) {
	rows, err := s.db.Query(`SELECT sender, body, time FROM responses`)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()
	var responses []models.Response
	for rows.Next() {
		var r models.Response
		if err := rows.Scan(&r.From, &r.Body, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan response row: %w", err)
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("PostgresStore.Close: closing database connection")
	return s.db.Close()
}
