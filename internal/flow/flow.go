// Package flow implements the case collection orchestration core: the
// per-conversation finite-state machine that sequences the multi-phase
// data-gathering flow, the per-item photo/data sub-cycle, conditional field
// resolution and validation, and the question batching planner.
package flow

import (
	"context"

	"github.com/pepeccz/msi-a-sub002/internal/models"
)

// Catalog resolves item definitions. Implementations must have validated
// field dependency graphs at load time; the FSM assumes acyclic conditions.
type Catalog interface {
	// GetItemDefinition retrieves the definition for an item code.
	GetItemDefinition(ctx context.Context, code string) (*models.ItemDefinition, error)
}

// AttachmentCounter reports how many media artifacts were received for a
// case scope (an item code or "base_docs"). Completion claims are checked
// against this count, never against the user's claim alone.
type AttachmentCounter interface {
	CountReceived(ctx context.Context, caseID, scope string) (int, error)
}

// Escalator hands a case to a human operator. Fire-and-forget: failures are
// logged by implementations and never propagate into the FSM.
type Escalator interface {
	Escalate(ctx context.Context, caseID, reason string)
}
