package gateway

import (
	"context"
	"log/slog"

	"github.com/pepeccz/msi-a-sub002/internal/messaging"
	"github.com/pepeccz/msi-a-sub002/internal/store"
)

// StoreAttachmentCounter answers the flow's completion checks from the
// attachment table.
type StoreAttachmentCounter struct {
	Store store.Store
}

// CountReceived returns how many attachments were recorded for a case scope.
func (c StoreAttachmentCounter) CountReceived(ctx context.Context, caseID, scope string) (int, error) {
	return c.Store.CountAttachments(caseID, scope)
}

// Escalator hands cases to human operators. Escalation is fire-and-forget:
// a failed operator notification is logged and never fails the turn that
// triggered it.
type Escalator struct {
	msgService messaging.Service
	operator   string
}

// NewEscalator creates an escalator. operator is the WhatsApp number that
// receives escalation notices; empty means log-only.
func NewEscalator(msgService messaging.Service, operator string) *Escalator {
	return &Escalator{msgService: msgService, operator: operator}
}

// Escalate notifies the operator channel about a case needing human review.
func (e *Escalator) Escalate(ctx context.Context, caseID, reason string) {
	slog.Warn("Escalator.Escalate: case escalated to human operator", "caseID", caseID, "reason", reason)
	if e.operator == "" || e.msgService == nil {
		return
	}
	notice := "⚠️ Expediente " + caseID + " necesita revisión: " + reason
	if err := e.msgService.SendMessage(ctx, e.operator, notice); err != nil {
		slog.Error("Escalator.Escalate: failed to notify operator", "error", err, "caseID", caseID)
	}
}
