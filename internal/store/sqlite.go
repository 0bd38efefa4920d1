// Package store provides storage backends for msi-a-sub002.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pepeccz/msi-a-sub002/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("store.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("store.NewSQLiteStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("store.NewSQLiteStore: failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("store.NewSQLiteStore: failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("store.NewSQLiteStore: SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("store.NewSQLiteStore: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("store.NewSQLiteStore: SQLite migrations applied")

	return &SQLiteStore{db: db}, nil
}

// SaveConversation stores the conversation state as a JSON snapshot.
func (s *SQLiteStore) SaveConversation(state *models.ConversationState) error {
	if state == nil || state.ConversationID == "" {
		return models.ErrEmptyConversationID
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		slog.Error("SQLiteStore.SaveConversation: JSON marshal failed", "error", err, "conversationID", state.ConversationID)
		return fmt.Errorf("failed to marshal conversation state: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO conversations (conversation_id, state_json, updated_at) VALUES (?, ?, ?)`,
		state.ConversationID, string(stateJSON), state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveConversation: insert failed", "error", err, "conversationID", state.ConversationID)
		return fmt.Errorf("failed to save conversation %s: %w", state.ConversationID, err)
	}
	return nil
}

// GetConversation loads a conversation state snapshot. Returns (nil, nil)
// when the conversation does not exist.
func (s *SQLiteStore) GetConversation(conversationID string) (*models.ConversationState, error) {
	var stateJSON string
	err := s.db.QueryRow(`SELECT state_json FROM conversations WHERE conversation_id = ?`, conversationID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetConversation: query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	var state models.ConversationState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		slog.Error("SQLiteStore.GetConversation: JSON unmarshal failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to unmarshal conversation %s: %w", conversationID, err)
	}
	return &state, nil
}

func (s *SQLiteStore) DeleteConversation(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
	if err != nil {
		slog.Error("SQLiteStore.DeleteConversation: delete failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to delete conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *SQLiteStore) ListConversationIDs() ([]string, error) {
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

func (s *SQLiteStore) AddAttachment(att models.Attachment) error {
	_, err := s.db.Exec(`INSERT INTO attachments (id, conversation_id, case_id, scope, mime_type, received_at) VALUES (?, ?, ?, ?, ?, ?)`,
		att.ID, att.ConversationID, att.CaseID, att.Scope, att.MimeType, att.ReceivedAt)
	if err != nil {
		slog.Error("SQLiteStore.AddAttachment: insert failed", "error", err, "attachmentID", att.ID)
		return fmt.Errorf("failed to insert attachment %s: %w", att.ID, err)
	}
	return nil
}

func (s *SQLiteStore) CountAttachments(caseID, scope string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM attachments WHERE case_id = ? AND scope = ?`, caseID, scope).Scan(&count)
	if err != nil {
		slog.Error("SQLiteStore.CountAttachments: query failed", "error", err, "caseID", caseID, "scope", scope)
		return 0, fmt.Errorf("failed to count attachments for case %s: %w", caseID, err)
	}
	return count, nil
}

func (s *SQLiteStore) ListAttachments(caseID string) ([]models.Attachment, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, case_id, scope, mime_type, received_at FROM attachments WHERE case_id = ? ORDER BY received_at`, caseID)
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

func (s *SQLiteStore) ListItemDefinitions() ([]models.ItemDefinition, error) {
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
			slog.Error("SQLiteStore.ListItemDefinitions: fields unmarshal failed", "error", err, "code", def.Code)
			return nil, fmt.Errorf("failed to unmarshal fields for item %s: %w", def.Code, err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveItemDefinition(def models.ItemDefinition) error {
	fieldsJSON, err := json.Marshal(def.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields for item %s: %w", def.Code, err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO item_definitions (code, name, fields_json) VALUES (?, ?, ?)`,
		def.Code, def.Name, string(fieldsJSON))
	if err != nil {
		slog.Error("SQLiteStore.SaveItemDefinition: insert failed", "error", err, "code", def.Code)
		return fmt.Errorf("failed to save item definition %s: %w", def.Code, err)
	}
	return nil
}

func (s *SQLiteStore) ListConstraintRules() ([]models.ConstraintRule, error) {
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

func (s *SQLiteStore) SaveConstraintRule(rule models.ConstraintRule) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO constraint_rules (id, name, pattern, required_tool, corrective, priority, category, skip_during_collection, active, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, rule.Pattern, rule.RequiredTool, rule.Corrective, rule.Priority, rule.Category, rule.SkipDuringCollection, rule.Active, rule.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveConstraintRule: insert failed", "error", err, "ruleID", rule.ID)
		return fmt.Errorf("failed to save constraint rule %s: %w", rule.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteConstraintRule(id string) error {
	_, err := s.db.Exec(`DELETE FROM constraint_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete constraint rule %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) AddToolInvocation(rec models.ToolInvocationRecord) error {
	_, err := s.db.Exec(`INSERT INTO tool_invocations (conversation_id, tool, params_json, outcome, turn_seq, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ConversationID, rec.Tool, rec.Params, rec.Outcome, rec.TurnSeq, rec.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore.AddToolInvocation: insert failed", "error", err, "conversationID", rec.ConversationID, "tool", rec.Tool)
		return fmt.Errorf("failed to insert tool invocation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetToolInvocations(conversationID string) ([]models.ToolInvocationRecord, error) {
	rows, err := s.db.Query(`SELECT conversation_id, tool, params_json, outcome, turn_seq, timestamp FROM tool_invocations WHERE conversation_id = ? ORDER BY turn_seq, id`, conversationID)
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

func (s *SQLiteStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, status, time) VALUES (?, ?, ?)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("SQLiteStore.AddReceipt: insert failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

func (s *SQLiteStore) GetReceipts() ([]models.Receipt, error) {
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

func (s *SQLiteStore) AddResponse(r models.Response) error {
	_, err := s.db.Exec(`INSERT INTO responses (sender, body, time) VALUES (?, ?, ?)`, r.From, r.Body, r.Time)
	if err != nil {
		slog.Error("SQLiteStore.AddResponse: insert failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	return nil
}

func (s *SQLiteStore) GetResponses() ([]models.Response, error) {
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

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("SQLiteStore.Close: closing database connection")
	return s.db.Close()
}
