// Package flow provides single-field validation for collected values.
package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pepeccz/msi-a-sub002/internal/models"
)

// Accepted boolean literals, lowercase. Spanish and English spellings both
// canonicalize to "true"/"false".
var booleanLiterals = map[string]string{
	"si":    "true",
	"sí":    "true",
	"yes":   "true",
	"true":  "true",
	"1":     "true",
	"no":    "false",
	"not":   "false",
	"false": "false",
	"0":     "false",
}

// ValidateValue validates a raw value against a field definition. It returns
// the canonical form of the value (trimmed text, canonical select option,
// "true"/"false" for booleans) or a field-scoped error message. It never
// aborts a batch; callers validate each field independently.
func ValidateValue(def *models.FieldDefinition, raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("%s es obligatorio", fieldLabel(def))
	}

	switch def.Type {
	case models.FieldTypeNumber:
		return validateNumber(def, value)
	case models.FieldTypeText:
		return validateText(def, value)
	case models.FieldTypeBoolean:
		return validateBoolean(def, value)
	case models.FieldTypeSelect:
		return validateSelect(def, value)
	default:
		return "", fmt.Errorf("tipo de campo desconocido: %s", def.Type)
	}
}

// ValidateValues validates a multi-field submission. Every field is checked
// independently: valid values come back canonicalized in clean, failures in
// fieldErrs keyed by field. Keys absent from defs are reported as unknown.
func ValidateValues(defs []models.FieldDefinition, values map[string]string) (clean map[string]string, fieldErrs map[string]string) {
	clean = make(map[string]string)
	fieldErrs = make(map[string]string)

	byKey := make(map[string]*models.FieldDefinition, len(defs))
	for i := range defs {
		byKey[defs[i].Key] = &defs[i]
	}

	for key, raw := range values {
		def, ok := byKey[key]
		if !ok {
			fieldErrs[key] = "campo no reconocido"
			continue
		}
		canonical, err := ValidateValue(def, raw)
		if err != nil {
			fieldErrs[key] = err.Error()
			continue
		}
		clean[key] = canonical
	}
	return clean, fieldErrs
}

func validateNumber(def *models.FieldDefinition, value string) (string, error) {
	// Accept decimal comma, common in Spanish input.
	normalized := strings.ReplaceAll(value, ",", ".")
	n, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return "", fmt.Errorf("%s debe ser un número", fieldLabel(def))
	}
	if def.MinValue != nil && n < *def.MinValue {
		return "", fmt.Errorf("%s debe ser al menos %g", fieldLabel(def), *def.MinValue)
	}
	if def.MaxValue != nil && n > *def.MaxValue {
		return "", fmt.Errorf("%s debe ser como máximo %g", fieldLabel(def), *def.MaxValue)
	}
	return normalized, nil
}

func validateText(def *models.FieldDefinition, value string) (string, error) {
	// Length limits count characters, not bytes: accented Spanish input
	// ("García", "Alcorcón") must not over-count.
	length := utf8.RuneCountInString(value)
	if def.MinLength > 0 && length < def.MinLength {
		return "", fmt.Errorf("%s es demasiado corto (mínimo %d caracteres)", fieldLabel(def), def.MinLength)
	}
	if def.MaxLength > 0 && length > def.MaxLength {
		return "", fmt.Errorf("%s es demasiado largo (máximo %d caracteres)", fieldLabel(def), def.MaxLength)
	}
	if def.Pattern != "" {
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return "", fmt.Errorf("patrón de validación inválido para %s", fieldLabel(def))
		}
		if !re.MatchString(value) {
			return "", fmt.Errorf("%s no tiene un formato válido", fieldLabel(def))
		}
	}
	return value, nil
}

func validateBoolean(def *models.FieldDefinition, value string) (string, error) {
	canonical, ok := booleanLiterals[strings.ToLower(value)]
	if !ok {
		return "", fmt.Errorf("%s debe ser sí o no", fieldLabel(def))
	}
	return canonical, nil
}

func validateSelect(def *models.FieldDefinition, value string) (string, error) {
	for _, option := range def.Options {
		if strings.EqualFold(option, value) {
			// Round-trip the canonical option spelling.
			return option, nil
		}
	}
	return "", fmt.Errorf("%s debe ser una de: %s", fieldLabel(def), strings.Join(def.Options, ", "))
}

func fieldLabel(def *models.FieldDefinition) string {
	if def.Label != "" {
		return def.Label
	}
	return def.Key
}
