// Package models defines catalog entities for homologation items.
package models

// FieldType defines how a collected field value is parsed and validated.
type FieldType string

const (
	FieldTypeText    FieldType = "text"
	FieldTypeNumber  FieldType = "number"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeSelect  FieldType = "select"
)

// IsValidFieldType checks if the given field type is supported.
func IsValidFieldType(ft FieldType) bool {
	switch ft {
	case FieldTypeText, FieldTypeNumber, FieldTypeBoolean, FieldTypeSelect:
		return true
	default:
		return false
	}
}

// ConditionOperator compares a dependency field's collected value against an
// expected value to decide whether a conditional field applies.
type ConditionOperator string

const (
	OperatorEquals      ConditionOperator = "eq"
	OperatorNotEquals   ConditionOperator = "neq"
	OperatorGreaterThan ConditionOperator = "gt"
	OperatorLessThan    ConditionOperator = "lt"
)

// FieldCondition gates a field on another field's collected value.
type FieldCondition struct {
	Field    string            `json:"field"` // dependency field key within the same item
	Operator ConditionOperator `json:"operator"`
	Value    string            `json:"value"`
}

// FieldDefinition describes one collectible field of an item.
type FieldDefinition struct {
	Key       string          `json:"key"`
	Label     string          `json:"label,omitempty"`
	Type      FieldType       `json:"type"`
	Required  bool            `json:"required"`
	MinValue  *float64        `json:"min_value,omitempty"` // number type, inclusive
	MaxValue  *float64        `json:"max_value,omitempty"` // number type, inclusive
	MinLength int             `json:"min_length,omitempty"`
	MaxLength int             `json:"max_length,omitempty"`
	Pattern   string          `json:"pattern,omitempty"` // text type, anchored regexp
	Options   []string        `json:"options,omitempty"` // select type, canonical spellings
	Condition *FieldCondition `json:"condition,omitempty"`
}

// ItemDefinition is a catalog entry: one homologation element and the
// fields collected for it.
type ItemDefinition struct {
	Code   string            `json:"code"`
	Name   string            `json:"name,omitempty"`
	Fields []FieldDefinition `json:"fields"`
}

// Field returns the definition for a key, or nil when absent.
func (d *ItemDefinition) Field(key string) *FieldDefinition {
	for i := range d.Fields {
		if d.Fields[i].Key == key {
			return &d.Fields[i]
		}
	}
	return nil
}

// Section schemas. The section structs in case.go fix the key set at compile
// time; these definitions supply the validation rules for each key.
var (
	dniPattern   = `^[0-9]{8}[A-Za-z]$`
	platePattern = `^[0-9]{4}[A-Za-z]{3}$`
	vinPattern   = `^[A-HJ-NPR-Za-hj-npr-z0-9]{17}$`
	cifPattern   = `^[A-Za-z][0-9]{7}[A-Za-z0-9]$`
	phonePattern = `^\+?[0-9]{9,15}$`
	datePattern  = `^[0-9]{4}-[0-9]{2}-[0-9]{2}$`

	// PersonalSchema validates the personal section.
	PersonalSchema = []FieldDefinition{
		{Key: "nombre", Label: "Nombre", Type: FieldTypeText, Required: true, MinLength: 2, MaxLength: 60},
		{Key: "apellidos", Label: "Apellidos", Type: FieldTypeText, Required: true, MinLength: 2, MaxLength: 80},
		{Key: "dni", Label: "DNI/NIE", Type: FieldTypeText, Required: true, Pattern: dniPattern},
		{Key: "telefono", Label: "Teléfono", Type: FieldTypeText, Required: true, Pattern: phonePattern},
		{Key: "email", Label: "Email", Type: FieldTypeText, Required: false, MaxLength: 120},
	}

	// VehicleSchema validates the vehicle section.
	VehicleSchema = []FieldDefinition{
		{Key: "matricula", Label: "Matrícula", Type: FieldTypeText, Required: true, Pattern: platePattern},
		{Key: "marca", Label: "Marca", Type: FieldTypeText, Required: true, MinLength: 2, MaxLength: 40},
		{Key: "modelo", Label: "Modelo", Type: FieldTypeText, Required: true, MinLength: 1, MaxLength: 60},
		{Key: "bastidor", Label: "Nº de bastidor", Type: FieldTypeText, Required: true, Pattern: vinPattern},
		{Key: "fecha_matriculacion", Label: "Fecha de matriculación", Type: FieldTypeText, Required: false, Pattern: datePattern},
	}

	// WorkshopSchema validates the workshop section.
	WorkshopSchema = []FieldDefinition{
		{Key: "nombre", Label: "Nombre del taller", Type: FieldTypeText, Required: true, MinLength: 2, MaxLength: 80},
		{Key: "cif", Label: "CIF", Type: FieldTypeText, Required: true, Pattern: cifPattern},
		{Key: "provincia", Label: "Provincia", Type: FieldTypeText, Required: true, MinLength: 2, MaxLength: 40},
		{Key: "telefono", Label: "Teléfono", Type: FieldTypeText, Required: false, Pattern: phonePattern},
	}
)

// SectionSchema returns the field definitions for a data section, or nil
// for sections without field data.
func SectionSchema(id SectionID) []FieldDefinition {
	switch id {
	case SectionPersonal:
		return PersonalSchema
	case SectionVehicle:
		return VehicleSchema
	case SectionWorkshop:
		return WorkshopSchema
	}
	return nil
}
