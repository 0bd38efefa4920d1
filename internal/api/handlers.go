// Package api provides HTTP handlers for msibot admin endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pepeccz/msi-a-sub002/internal/models"
	"github.com/pepeccz/msi-a-sub002/internal/util"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.listConversationsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ids, err := s.st.ListConversationIDs()
	if err != nil {
		slog.Error("Server.listConversationsHandler: failed to list conversations", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list conversations"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ids))
}

// conversationHandler routes /conversations/{id} and its subresources:
// GET /conversations/{id}, DELETE /conversations/{id},
// GET /conversations/{id}/tools, POST /conversations/{id}/panic.
func (s *Server) conversationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	rest := strings.TrimPrefix(r.URL.Path, "/conversations/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Conversation ID is required"))
		return
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.getConversation(w, id)
		case http.MethodDelete:
			s.resetConversation(w, id)
		default:
			w.Header().Set("Allow", "GET, DELETE")
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "tools":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.getToolInvocations(w, id)
	case "panic":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.setPanicFlag(w, r, id)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown conversation resource"))
	}
}

func (s *Server) getConversation(w http.ResponseWriter, id string) {
	conv, err := s.st.GetConversation(id)
	if err != nil {
		slog.Error("Server.getConversation: failed to load conversation", "error", err, "conversation_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

func (s *Server) resetConversation(w http.ResponseWriter, id string) {
	if err := s.st.DeleteConversation(id); err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
			return
		}
		slog.Error("Server.resetConversation: failed to delete conversation", "error", err, "conversation_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset conversation"))
		return
	}
	slog.Info("Server.resetConversation: conversation reset", "conversation_id", id)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) getToolInvocations(w http.ResponseWriter, id string) {
	recs, err := s.st.GetToolInvocations(id)
	if err != nil {
		slog.Error("Server.getToolInvocations: failed to load audit trail", "error", err, "conversation_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load tool invocations"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(recs))
}

// setPanicFlag toggles the per-conversation panic flag. While set, the bot
// answers every inbound message with a static handoff notice and never
// invokes the responder.
func (s *Server) setPanicFlag(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Disabled bool `json:"disabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.setPanicFlag: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.gateway.SetAgentDisabled(id, req.Disabled); err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
			return
		}
		slog.Error("Server.setPanicFlag: failed to update panic flag", "error", err, "conversation_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update panic flag"))
		return
	}
	slog.Info("Server.setPanicFlag: panic flag updated", "conversation_id", id, "disabled", req.Disabled)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]bool{"disabled": req.Disabled}))
}

// catalogHandler serves GET /catalog (list item definitions) and
// POST /catalog (validate and upsert one definition).
func (s *Server) catalogHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		items, err := s.catalog.ListItems(r.Context())
		if err != nil {
			slog.Error("Server.catalogHandler: failed to list items", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list catalog items"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(items))
	case http.MethodPost:
		var def models.ItemDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			slog.Warn("Server.catalogHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if err := s.catalog.UpsertItem(r.Context(), def); err != nil {
			slog.Warn("Server.catalogHandler: item definition rejected", "error", err, "code", def.Code)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Info("Server.catalogHandler: item definition saved", "code", def.Code)
		writeJSONResponse(w, http.StatusCreated, models.Success(def))
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// rulesHandler serves GET /rules (list constraint rules) and POST /rules
// (create or update a rule). Saving invalidates the screener cache so the
// change applies on the next turn.
func (s *Server) rulesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		rules, err := s.st.ListConstraintRules()
		if err != nil {
			slog.Error("Server.rulesHandler: failed to list rules", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list constraint rules"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(rules))
	case http.MethodPost:
		var rule models.ConstraintRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			slog.Warn("Server.rulesHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if rule.Pattern == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Rule pattern is required"))
			return
		}
		if rule.Corrective == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Rule corrective text is required"))
			return
		}
		if rule.ID == "" {
			rule.ID = util.GenerateRuleID()
		}
		rule.UpdatedAt = time.Now()
		if err := s.st.SaveConstraintRule(rule); err != nil {
			slog.Error("Server.rulesHandler: failed to save rule", "error", err, "rule_id", rule.ID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save constraint rule"))
			return
		}
		s.screener.Invalidate()
		slog.Info("Server.rulesHandler: constraint rule saved", "rule_id", rule.ID, "active", rule.Active)
		writeJSONResponse(w, http.StatusCreated, models.Success(rule))
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ruleHandler serves DELETE /rules/{id}.
func (s *Server) ruleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", http.MethodDelete)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/rules/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Rule ID is required"))
		return
	}
	if err := s.st.DeleteConstraintRule(id); err != nil {
		slog.Error("Server.ruleHandler: failed to delete rule", "error", err, "rule_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete constraint rule"))
		return
	}
	s.screener.Invalidate()
	slog.Info("Server.ruleHandler: constraint rule deleted", "rule_id", id)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	receipts, err := s.st.GetReceipts()
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to get receipts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to retrieve receipts"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

func (s *Server) responsesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	responses, err := s.st.GetResponses()
	if err != nil {
		slog.Error("Server.responsesHandler: failed to get responses", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to retrieve responses"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(responses))
}
