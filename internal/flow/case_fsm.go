// Package flow provides the top-level case collection FSM. Phases advance in
// strict forward order, each through one named idempotent operation; calling
// an operation outside its legal phase is a no-op that reports a phase
// mismatch, never a crash.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pepeccz/msi-a-sub002/internal/models"
)

// CaseFSM drives the case collection lifecycle:
// Idle → PerItemCollection → BaseDocs → Personal → Vehicle → Workshop →
// ReviewSummary → Completed, with Cancelled reachable from any non-terminal
// phase. The per-item cycle is implemented in item_fsm.go.
type CaseFSM struct {
	catalog     Catalog
	attachments AttachmentCounter
	escalator   Escalator
}

// NewCaseFSM creates a case FSM with its external collaborators.
func NewCaseFSM(catalog Catalog, attachments AttachmentCounter, escalator Escalator) *CaseFSM {
	slog.Debug("flow.NewCaseFSM: creating case FSM", "hasCatalog", catalog != nil, "hasAttachments", attachments != nil, "hasEscalator", escalator != nil)
	return &CaseFSM{
		catalog:     catalog,
		attachments: attachments,
		escalator:   escalator,
	}
}

// phaseMismatch builds the no-op result for an operation invoked outside its
// legal phase. State is left untouched.
func phaseMismatch(st *models.CaseState, op string) models.TransitionResult {
	phase := models.PhaseIdle
	if st != nil {
		phase = st.Phase
	}
	slog.Debug("flow.phaseMismatch: operation not legal in current phase", "operation", op, "phase", phase)
	return models.TransitionResult{
		Code:    models.ResultPhaseMismatch,
		Phase:   phase,
		Message: fmt.Sprintf("la operación %s no está disponible en la fase actual (%s)", op, phase),
	}
}

// OpenCase creates the case on a conversation after a quote is accepted. The
// item list is snapshotted in collection order; every code must exist in the
// catalog. With no items the per-item phase is skipped entirely.
func (f *CaseFSM) OpenCase(ctx context.Context, conv *models.ConversationState, items []string) (models.TransitionResult, error) {
	if conv.Case != nil && !conv.Case.Phase.IsTerminal() {
		return phaseMismatch(conv.Case, "open_case"), nil
	}

	fieldErrs := make(map[string]string)
	for _, code := range items {
		if _, err := f.catalog.GetItemDefinition(ctx, code); err != nil {
			slog.Warn("flow.OpenCase: unknown item code", "code", code, "error", err)
			fieldErrs[code] = "elemento no disponible en el catálogo"
		}
	}
	if len(fieldErrs) > 0 {
		return models.TransitionResult{
			Code:        models.ResultValidationFailed,
			Phase:       models.PhaseIdle,
			FieldErrors: fieldErrs,
			Message:     "algunos elementos no existen en el catálogo",
		}, nil
	}

	now := time.Now()
	st := &models.CaseState{
		CaseID:     uuid.NewString(),
		Items:      append([]string(nil), items...),
		ItemStatus: make(map[string]models.ItemStatus, len(items)),
		ItemData:   make(map[string]map[string]string, len(items)),
		OpenedAt:   now,
		UpdatedAt:  now,
	}
	for _, code := range items {
		st.ItemStatus[code] = models.ItemStatusPendingPhotos
	}

	if len(items) == 0 {
		st.Phase = models.PhaseBaseDocs
	} else {
		st.Phase = models.PhasePerItem
		st.ItemPhase = models.ItemPhasePhotos
	}
	conv.Case = st

	slog.Info("flow.OpenCase: case opened", "caseID", st.CaseID, "items", len(items), "phase", st.Phase)
	msg := fmt.Sprintf("expediente %s abierto con %d elemento(s)", st.CaseID, len(items))
	if st.Phase == models.PhasePerItem {
		msg += fmt.Sprintf("; empezamos con las fotos de %s", st.CurrentItem())
	}
	return models.TransitionResult{Code: models.ResultOK, Phase: st.Phase, Message: msg}, nil
}

// ConfirmBaseDocs advances BaseDocs → Personal. The transition requires that
// at least one base document was actually received; a completion claim with
// zero received documents returns NeedsConfirmation, and only an explicit
// second confirmation (force) overrides, which escalates the case silently.
func (f *CaseFSM) ConfirmBaseDocs(ctx context.Context, st *models.CaseState, force bool) (models.TransitionResult, error) {
	if st == nil || st.Phase != models.PhaseBaseDocs {
		return phaseMismatch(st, "confirm_base_docs"), nil
	}

	count, err := f.attachments.CountReceived(ctx, st.CaseID, models.ConfirmScopeBaseDocs)
	if err != nil {
		slog.Error("flow.ConfirmBaseDocs: attachment count failed", "error", err, "caseID", st.CaseID)
		return models.TransitionResult{}, fmt.Errorf("failed to count base documents: %w", err)
	}

	escalated := false
	switch {
	case count > 0:
		st.BaseDocsReceived = true
	case force && st.PendingConfirm == models.ConfirmScopeBaseDocs:
		// Explicit second confirmation with zero artifacts: proceed, but
		// hand the discrepancy to a human.
		f.escalator.Escalate(ctx, st.CaseID, "base docs confirmed by user with zero received documents")
		escalated = true
	default:
		st.PendingConfirm = models.ConfirmScopeBaseDocs
		slog.Info("flow.ConfirmBaseDocs: zero documents received, asking for confirmation", "caseID", st.CaseID)
		return models.TransitionResult{
			Code:    models.ResultNeedsConfirmation,
			Phase:   st.Phase,
			Message: "no hemos recibido ninguna documentación todavía; ¿confirmas que ya la has enviado?",
		}, nil
	}

	st.PendingConfirm = ""
	f.advanceFrom(st, models.PhasePersonal)
	slog.Info("flow.ConfirmBaseDocs: base docs confirmed", "caseID", st.CaseID, "documents", count, "phase", st.Phase, "escalated", escalated)
	return models.TransitionResult{
		Code:      models.ResultOK,
		Phase:     st.Phase,
		Message:   "documentación base confirmada; pasamos a los datos personales",
		Escalated: escalated,
	}, nil
}

// SubmitPersonalData merges values into the personal section and advances
// Personal → Vehicle once the section validates complete.
func (f *CaseFSM) SubmitPersonalData(st *models.CaseState, values map[string]string) models.TransitionResult {
	if st == nil || st.Phase != models.PhasePersonal {
		return phaseMismatch(st, "submit_personal_data")
	}
	return f.submitSection(st, models.SectionPersonal, values, models.PhaseVehicle, "datos personales")
}

// SubmitVehicleData merges values into the vehicle section and advances
// Vehicle → Workshop once the section validates complete.
func (f *CaseFSM) SubmitVehicleData(st *models.CaseState, values map[string]string) models.TransitionResult {
	if st == nil || st.Phase != models.PhaseVehicle {
		return phaseMismatch(st, "submit_vehicle_data")
	}
	return f.submitSection(st, models.SectionVehicle, values, models.PhaseWorkshop, "datos del vehículo")
}

// SubmitWorkshopData merges values into the workshop section and advances
// Workshop → ReviewSummary once the section validates complete.
func (f *CaseFSM) SubmitWorkshopData(st *models.CaseState, values map[string]string) models.TransitionResult {
	if st == nil || st.Phase != models.PhaseWorkshop {
		return phaseMismatch(st, "submit_workshop_data")
	}
	return f.submitSection(st, models.SectionWorkshop, values, models.PhaseReview, "datos del taller")
}

// submitSection validates a multi-field submission against the section
// schema, merges the values that validate, and transitions when the section
// is complete. Each field is validated independently; failures never abort
// the batch.
func (f *CaseFSM) submitSection(st *models.CaseState, section models.SectionID, values map[string]string, next models.CasePhase, label string) models.TransitionResult {
	schema := models.SectionSchema(section)
	clean, fieldErrs := ValidateValues(schema, values)

	target := st.Section(section)
	for key, value := range clean {
		if err := target.Set(key, value); err != nil {
			// Schema and section struct disagree; surface rather than drop.
			slog.Error("flow.submitSection: schema key rejected by section", "section", section, "key", key, "error", err)
			fieldErrs[key] = "campo no reconocido"
		}
	}
	st.UpdatedAt = time.Now()

	collected := make(map[string]string, len(schema))
	for _, def := range schema {
		if v, ok := target.Get(def.Key); ok && v != "" {
			collected[def.Key] = v
		}
	}
	outstanding := MissingRequired(schema, collected)

	if len(fieldErrs) > 0 {
		slog.Debug("flow.submitSection: validation failures", "section", section, "errors", len(fieldErrs), "outstanding", len(outstanding))
		return models.TransitionResult{
			Code:        models.ResultValidationFailed,
			Phase:       st.Phase,
			Outstanding: outstanding,
			FieldErrors: fieldErrs,
			Message:     fmt.Sprintf("algunos %s no son válidos", label),
		}
	}

	if len(outstanding) > 0 {
		return models.TransitionResult{
			Code:        models.ResultOK,
			Phase:       st.Phase,
			Outstanding: outstanding,
			Message:     fmt.Sprintf("%s guardados; faltan campos", label),
		}
	}

	f.advanceFrom(st, next)
	slog.Info("flow.submitSection: section complete", "section", section, "caseID", st.CaseID, "phase", st.Phase)
	return models.TransitionResult{
		Code:    models.ResultOK,
		Phase:   st.Phase,
		Message: fmt.Sprintf("%s completos", label),
	}
}

// advanceFrom moves to next, or back to ReviewSummary when the section was
// being edited from the review screen.
func (f *CaseFSM) advanceFrom(st *models.CaseState, next models.CasePhase) {
	if st.EditReturn {
		st.EditReturn = false
		st.Phase = models.PhaseReview
	} else {
		st.Phase = next
	}
	st.UpdatedAt = time.Now()
}

// EditSection jumps from ReviewSummary back to re-collect exactly one
// section; that section's own completion trigger returns to ReviewSummary
// instead of continuing the forward chain. Per-item data cannot be edited
// this way.
func (f *CaseFSM) EditSection(st *models.CaseState, section models.SectionID) models.TransitionResult {
	if st == nil || st.Phase != models.PhaseReview {
		return phaseMismatch(st, "edit_section")
	}

	var target models.CasePhase
	switch section {
	case models.SectionPersonal:
		target = models.PhasePersonal
	case models.SectionVehicle:
		target = models.PhaseVehicle
	case models.SectionWorkshop:
		target = models.PhaseWorkshop
	case models.SectionBaseDocs:
		target = models.PhaseBaseDocs
	default:
		return models.TransitionResult{
			Code:        models.ResultValidationFailed,
			Phase:       st.Phase,
			FieldErrors: map[string]string{"section": "sección no editable"},
			Message:     "solo se pueden editar las secciones personal, vehículo, taller o documentación",
		}
	}

	st.EditReturn = true
	st.Phase = target
	st.UpdatedAt = time.Now()
	slog.Info("flow.EditSection: re-collecting section", "caseID", st.CaseID, "section", section, "phase", target)
	return models.TransitionResult{
		Code:    models.ResultOK,
		Phase:   st.Phase,
		Message: fmt.Sprintf("editando la sección %s; al completarla volvemos al resumen", section),
	}
}

// Finalize is the only path to Completed. It is legal only from
// ReviewSummary and hands the case to a human operator.
func (f *CaseFSM) Finalize(ctx context.Context, st *models.CaseState) models.TransitionResult {
	if st == nil || st.Phase != models.PhaseReview {
		return phaseMismatch(st, "finalize_case")
	}

	st.Phase = models.PhaseCompleted
	st.UpdatedAt = time.Now()
	f.escalator.Escalate(ctx, st.CaseID, "case collection completed, ready for human review")
	slog.Info("flow.Finalize: case completed", "caseID", st.CaseID)
	return models.TransitionResult{
		Code:      models.ResultOK,
		Phase:     st.Phase,
		Message:   "expediente completado; un técnico lo revisará en breve",
		Escalated: true,
	}
}

// Cancel moves the case to Cancelled from any non-terminal phase,
// short-circuiting in-progress sub-FSMs. Collected data is discarded with
// the case; no compensating rollback is performed.
func (f *CaseFSM) Cancel(st *models.CaseState) models.TransitionResult {
	if st == nil || st.Phase.IsTerminal() {
		return phaseMismatch(st, "cancel_case")
	}

	st.Phase = models.PhaseCancelled
	st.ItemPhase = ""
	st.PendingConfirm = ""
	st.EditReturn = false
	st.UpdatedAt = time.Now()
	slog.Info("flow.Cancel: case cancelled", "caseID", st.CaseID)
	return models.TransitionResult{
		Code:    models.ResultOK,
		Phase:   st.Phase,
		Message: "expediente cancelado",
	}
}
