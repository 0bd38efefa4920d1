// Package models defines the case collection FSM payload.
package models

import (
	"fmt"
	"time"
)

// CasePhase is a top-level state of the case collection FSM.
type CasePhase string

const (
	PhaseIdle      CasePhase = "IDLE"
	PhasePerItem   CasePhase = "PER_ITEM_COLLECTION"
	PhaseBaseDocs  CasePhase = "BASE_DOCS"
	PhasePersonal  CasePhase = "PERSONAL"
	PhaseVehicle   CasePhase = "VEHICLE"
	PhaseWorkshop  CasePhase = "WORKSHOP"
	PhaseReview    CasePhase = "REVIEW_SUMMARY"
	PhaseCompleted CasePhase = "COMPLETED"
	PhaseCancelled CasePhase = "CANCELLED"
)

// IsTerminal reports whether the phase admits no further transitions.
func (p CasePhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

// ItemPhase is the sub-state of the per-item collection cycle. It is only
// meaningful while the case phase is PhasePerItem.
type ItemPhase string

const (
	ItemPhasePhotos ItemPhase = "photos"
	ItemPhaseData   ItemPhase = "data"
)

// ItemStatus tracks one item's progress through its sub-FSM.
type ItemStatus string

const (
	ItemStatusPendingPhotos ItemStatus = "pending_photos"
	ItemStatusPendingData   ItemStatus = "pending_data"
	ItemStatusComplete      ItemStatus = "complete"
)

// SectionID names a collectible data section.
type SectionID string

const (
	SectionPersonal SectionID = "personal"
	SectionVehicle  SectionID = "vehicle"
	SectionWorkshop SectionID = "workshop"
	SectionBaseDocs SectionID = "base_docs"
)

// Confirmation scopes for ambiguous completion claims. Per-item scopes are
// built with ItemConfirmScope.
const (
	ConfirmScopeBaseDocs = "base_docs"
)

// ItemConfirmScope returns the pending-confirmation scope for an item.
func ItemConfirmScope(code string) string {
	return "item:" + code
}

// PersonalData is the personal section. The key set is fixed by the schema;
// unknown keys are rejected at Set time rather than silently stored.
type PersonalData struct {
	Nombre    string `json:"nombre,omitempty"`
	Apellidos string `json:"apellidos,omitempty"`
	DNI       string `json:"dni,omitempty"`
	Telefono  string `json:"telefono,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Set stores a value under a schema key.
func (p *PersonalData) Set(key, value string) error {
	switch key {
	case "nombre":
		p.Nombre = value
	case "apellidos":
		p.Apellidos = value
	case "dni":
		p.DNI = value
	case "telefono":
		p.Telefono = value
	case "email":
		p.Email = value
	default:
		return fmt.Errorf("%w: personal.%s", ErrUnknownSectionField, key)
	}
	return nil
}

// Get retrieves a value by schema key.
func (p *PersonalData) Get(key string) (string, bool) {
	switch key {
	case "nombre":
		return p.Nombre, true
	case "apellidos":
		return p.Apellidos, true
	case "dni":
		return p.DNI, true
	case "telefono":
		return p.Telefono, true
	case "email":
		return p.Email, true
	}
	return "", false
}

// VehicleData is the vehicle section.
type VehicleData struct {
	Matricula          string `json:"matricula,omitempty"`
	Marca              string `json:"marca,omitempty"`
	Modelo             string `json:"modelo,omitempty"`
	Bastidor           string `json:"bastidor,omitempty"`
	FechaMatriculacion string `json:"fecha_matriculacion,omitempty"`
}

func (v *VehicleData) Set(key, value string) error {
	switch key {
	case "matricula":
		v.Matricula = value
	case "marca":
		v.Marca = value
	case "modelo":
		v.Modelo = value
	case "bastidor":
		v.Bastidor = value
	case "fecha_matriculacion":
		v.FechaMatriculacion = value
	default:
		return fmt.Errorf("%w: vehicle.%s", ErrUnknownSectionField, key)
	}
	return nil
}

func (v *VehicleData) Get(key string) (string, bool) {
	switch key {
	case "matricula":
		return v.Matricula, true
	case "marca":
		return v.Marca, true
	case "modelo":
		return v.Modelo, true
	case "bastidor":
		return v.Bastidor, true
	case "fecha_matriculacion":
		return v.FechaMatriculacion, true
	}
	return "", false
}

// WorkshopData is the installing-workshop section.
type WorkshopData struct {
	Nombre    string `json:"nombre,omitempty"`
	CIF       string `json:"cif,omitempty"`
	Provincia string `json:"provincia,omitempty"`
	Telefono  string `json:"telefono,omitempty"`
}

func (w *WorkshopData) Set(key, value string) error {
	switch key {
	case "nombre":
		w.Nombre = value
	case "cif":
		w.CIF = value
	case "provincia":
		w.Provincia = value
	case "telefono":
		w.Telefono = value
	default:
		return fmt.Errorf("%w: workshop.%s", ErrUnknownSectionField, key)
	}
	return nil
}

func (w *WorkshopData) Get(key string) (string, bool) {
	switch key {
	case "nombre":
		return w.Nombre, true
	case "cif":
		return w.CIF, true
	case "provincia":
		return w.Provincia, true
	case "telefono":
		return w.Telefono, true
	}
	return "", false
}

// SectionValues is the generic read interface the field validator uses to
// check section completeness without knowing the concrete section type.
type SectionValues interface {
	Set(key, value string) error
	Get(key string) (string, bool)
}

// CaseState is the FSM payload embedded in ConversationState. It is created
// when a quote is accepted and mutated exclusively by FSM transition
// operations.
type CaseState struct {
	CaseID           string                       `json:"case_id"`
	Phase            CasePhase                    `json:"phase"`
	Items            []string                     `json:"items"` // item codes in collection order
	CurrentItemIndex int                          `json:"current_item_index"`
	ItemPhase        ItemPhase                    `json:"item_phase,omitempty"` // only valid during PER_ITEM_COLLECTION
	ItemStatus       map[string]ItemStatus        `json:"item_status"`
	ItemData         map[string]map[string]string `json:"item_data"`
	Personal         PersonalData                 `json:"personal"`
	Vehicle          VehicleData                  `json:"vehicle"`
	Workshop         WorkshopData                 `json:"workshop"`
	BaseDocsReceived bool                         `json:"base_docs_received"`
	PendingConfirm   string                       `json:"pending_confirm,omitempty"` // scope awaiting explicit second confirmation
	EditReturn       bool                         `json:"edit_return,omitempty"`     // section edit from review; return there on completion
	OpenedAt         time.Time                    `json:"opened_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

// CurrentItem returns the code of the item being collected, or "" when the
// index is out of range or the case has no items.
func (c *CaseState) CurrentItem() string {
	if c.CurrentItemIndex < 0 || c.CurrentItemIndex >= len(c.Items) {
		return ""
	}
	return c.Items[c.CurrentItemIndex]
}

// AllItemsComplete reports whether every item's sub-FSM has finished.
func (c *CaseState) AllItemsComplete() bool {
	for _, code := range c.Items {
		if c.ItemStatus[code] != ItemStatusComplete {
			return false
		}
	}
	return true
}

// Section returns the mutable values for a data section, or nil for
// sections that carry no field data (base docs).
func (c *CaseState) Section(id SectionID) SectionValues {
	switch id {
	case SectionPersonal:
		return &c.Personal
	case SectionVehicle:
		return &c.Vehicle
	case SectionWorkshop:
		return &c.Workshop
	}
	return nil
}
