package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pepeccz/msi-a-sub002/internal/models"
)

// The per-item sub-FSM. Each item in the case's snapshot runs through
// photos → data → complete in list order; completing the last item hands
// control back to the parent FSM, which moves the case to BaseDocs.

// ConfirmPhotos advances the current item photos → data. Like base docs, the
// transition is backed by the received-attachment count for the item's scope:
// zero photos means NeedsConfirmation first, and a forced second confirmation
// escalates.
func (f *CaseFSM) ConfirmPhotos(ctx context.Context, st *models.CaseState, force bool) (models.TransitionResult, error) {
	if st == nil || st.Phase != models.PhasePerItem || st.ItemPhase != models.ItemPhasePhotos {
		return phaseMismatch(st, "confirm_item_photos"), nil
	}
	code := st.CurrentItem()
	if code == "" {
		return phaseMismatch(st, "confirm_item_photos"), nil
	}

	scope := models.ItemConfirmScope(code)
	count, err := f.attachments.CountReceived(ctx, st.CaseID, scope)
	if err != nil {
		slog.Error("flow.ConfirmPhotos: attachment count failed", "error", err, "caseID", st.CaseID, "item", code)
		return models.TransitionResult{}, fmt.Errorf("failed to count photos for item %s: %w", code, err)
	}

	escalated := false
	switch {
	case count > 0:
	case force && st.PendingConfirm == scope:
		f.escalator.Escalate(ctx, st.CaseID, fmt.Sprintf("photos for item %s confirmed by user with zero received attachments", code))
		escalated = true
	default:
		st.PendingConfirm = scope
		slog.Info("flow.ConfirmPhotos: zero photos received, asking for confirmation", "caseID", st.CaseID, "item", code)
		return models.TransitionResult{
			Code:    models.ResultNeedsConfirmation,
			Phase:   st.Phase,
			Message: fmt.Sprintf("no hemos recibido ninguna foto de %s todavía; ¿confirmas que ya las has enviado?", code),
		}, nil
	}

	st.PendingConfirm = ""
	st.ItemPhase = models.ItemPhaseData
	st.ItemStatus[code] = models.ItemStatusPendingData
	st.UpdatedAt = time.Now()
	slog.Info("flow.ConfirmPhotos: photos confirmed", "caseID", st.CaseID, "item", code, "photos", count, "escalated", escalated)
	return models.TransitionResult{
		Code:      models.ResultOK,
		Phase:     st.Phase,
		Message:   fmt.Sprintf("fotos de %s recibidas; pasamos a sus datos", code),
		Escalated: escalated,
	}, nil
}

// SubmitItemData merges values into the current item's data, validated
// against its catalog definition. Outstanding lists the applicable required
// fields still missing after the merge; the item does not advance here, only
// CompleteItem does.
func (f *CaseFSM) SubmitItemData(ctx context.Context, st *models.CaseState, values map[string]string) (models.TransitionResult, error) {
	if st == nil || st.Phase != models.PhasePerItem || st.ItemPhase != models.ItemPhaseData {
		return phaseMismatch(st, "submit_item_data"), nil
	}
	code := st.CurrentItem()

	def, err := f.catalog.GetItemDefinition(ctx, code)
	if err != nil {
		slog.Error("flow.SubmitItemData: item definition lookup failed", "error", err, "caseID", st.CaseID, "item", code)
		return models.TransitionResult{}, fmt.Errorf("failed to load definition for item %s: %w", code, err)
	}

	clean, fieldErrs := ValidateValues(def.Fields, values)

	if st.ItemData[code] == nil {
		st.ItemData[code] = make(map[string]string, len(def.Fields))
	}
	for key, value := range clean {
		st.ItemData[code][key] = value
	}
	st.UpdatedAt = time.Now()

	outstanding := MissingRequired(def.Fields, st.ItemData[code])

	if len(fieldErrs) > 0 {
		slog.Debug("flow.SubmitItemData: validation failures", "caseID", st.CaseID, "item", code, "errors", len(fieldErrs), "outstanding", len(outstanding))
		return models.TransitionResult{
			Code:        models.ResultValidationFailed,
			Phase:       st.Phase,
			Outstanding: outstanding,
			FieldErrors: fieldErrs,
			Message:     fmt.Sprintf("algunos datos de %s no son válidos", code),
		}, nil
	}

	msg := fmt.Sprintf("datos de %s guardados", code)
	if len(outstanding) == 0 {
		msg = fmt.Sprintf("datos de %s completos", code)
	}
	return models.TransitionResult{
		Code:        models.ResultOK,
		Phase:       st.Phase,
		Outstanding: outstanding,
		Message:     msg,
	}, nil
}

// CompleteItem closes the current item once every applicable required field
// has a valid value, then moves to the next pending item or, after the last
// one, advances the case to BaseDocs.
func (f *CaseFSM) CompleteItem(ctx context.Context, st *models.CaseState) (models.TransitionResult, error) {
	if st == nil || st.Phase != models.PhasePerItem || st.ItemPhase != models.ItemPhaseData {
		return phaseMismatch(st, "complete_item"), nil
	}
	code := st.CurrentItem()

	def, err := f.catalog.GetItemDefinition(ctx, code)
	if err != nil {
		slog.Error("flow.CompleteItem: item definition lookup failed", "error", err, "caseID", st.CaseID, "item", code)
		return models.TransitionResult{}, fmt.Errorf("failed to load definition for item %s: %w", code, err)
	}

	outstanding := MissingRequired(def.Fields, st.ItemData[code])
	if len(outstanding) > 0 {
		slog.Debug("flow.CompleteItem: required fields missing", "caseID", st.CaseID, "item", code, "outstanding", outstanding)
		return models.TransitionResult{
			Code:        models.ResultValidationFailed,
			Phase:       st.Phase,
			Outstanding: outstanding,
			Message:     fmt.Sprintf("aún faltan datos de %s", code),
		}, nil
	}

	st.ItemStatus[code] = models.ItemStatusComplete
	st.UpdatedAt = time.Now()

	if next := f.nextPendingItem(st); next >= 0 {
		st.CurrentItemIndex = next
		st.ItemPhase = models.ItemPhasePhotos
		slog.Info("flow.CompleteItem: item complete, advancing", "caseID", st.CaseID, "item", code, "next", st.Items[next])
		return models.TransitionResult{
			Code:    models.ResultOK,
			Phase:   st.Phase,
			Message: fmt.Sprintf("%s completado; seguimos con las fotos de %s", code, st.Items[next]),
		}, nil
	}

	// Last item done: the index stays on it and the parent FSM takes over.
	st.ItemPhase = ""
	st.Phase = models.PhaseBaseDocs
	slog.Info("flow.CompleteItem: all items complete", "caseID", st.CaseID, "items", len(st.Items))
	return models.TransitionResult{
		Code:    models.ResultOK,
		Phase:   st.Phase,
		Message: "todos los elementos completados; pasamos a la documentación base",
	}, nil
}

// nextPendingItem returns the index of the first item after the current one
// that is not complete, or -1 when none remains. Items are processed in list
// order only.
func (f *CaseFSM) nextPendingItem(st *models.CaseState) int {
	for i := st.CurrentItemIndex + 1; i < len(st.Items); i++ {
		if st.ItemStatus[st.Items[i]] != models.ItemStatusComplete {
			return i
		}
	}
	return -1
}
