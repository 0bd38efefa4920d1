package flow

import (
	"strings"
	"testing"

	"github.com/pepeccz/msi-a-sub002/internal/models"
)

func TestValidateValue_Text(t *testing.T) {
	tests := []struct {
		name    string
		def     models.FieldDefinition
		raw     string
		want    string
		wantErr bool
	}{
		{
			name: "valid text trimmed",
			def:  models.FieldDefinition{Key: "marca", Type: models.FieldTypeText, MinLength: 2, MaxLength: 10},
			raw:  "  Akrapovic  ",
			want: "Akrapovic",
		},
		{
			name:    "too short",
			def:     models.FieldDefinition{Key: "marca", Type: models.FieldTypeText, MinLength: 3},
			raw:     "ab",
			wantErr: true,
		},
		{
			name:    "too long",
			def:     models.FieldDefinition{Key: "marca", Type: models.FieldTypeText, MaxLength: 4},
			raw:     "abcde",
			wantErr: true,
		},
		{
			name: "pattern match",
			def:  models.FieldDefinition{Key: "dni", Type: models.FieldTypeText, Pattern: `^[0-9]{8}[A-Za-z]$`},
			raw:  "12345678Z",
			want: "12345678Z",
		},
		{
			name:    "pattern mismatch",
			def:     models.FieldDefinition{Key: "dni", Type: models.FieldTypeText, Pattern: `^[0-9]{8}[A-Za-z]$`},
			raw:     "1234Z",
			wantErr: true,
		},
		{
			name:    "empty value",
			def:     models.FieldDefinition{Key: "marca", Type: models.FieldTypeText},
			raw:     "   ",
			wantErr: true,
		},
		{
			// "García" is 6 characters but 7 bytes; a byte count would
			// reject it against MaxLength 6.
			name: "accented text counts characters not bytes",
			def:  models.FieldDefinition{Key: "apellidos", Type: models.FieldTypeText, MinLength: 6, MaxLength: 6},
			raw:  "García",
			want: "García",
		},
		{
			name:    "accented text too long",
			def:     models.FieldDefinition{Key: "apellidos", Type: models.FieldTypeText, MaxLength: 5},
			raw:     "García",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateValue(&tt.def, tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateValue_Number(t *testing.T) {
	def := models.FieldDefinition{Key: "db_sonido", Label: "Decibelios", Type: models.FieldTypeNumber, MinValue: floatPtr(0), MaxValue: floatPtr(120)}

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "integer", raw: "98", want: "98"},
		{name: "decimal comma normalized", raw: "98,5", want: "98.5"},
		{name: "decimal point", raw: "98.5", want: "98.5"},
		{name: "below minimum", raw: "-1", wantErr: true},
		{name: "above maximum", raw: "121", wantErr: true},
		{name: "not a number", raw: "alto", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateValue(&def, tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateValue_Boolean(t *testing.T) {
	def := models.FieldDefinition{Key: "homologado", Type: models.FieldTypeBoolean}

	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "sí", want: "true"},
		{raw: "si", want: "true"},
		{raw: "SI", want: "true"},
		{raw: "yes", want: "true"},
		{raw: "1", want: "true"},
		{raw: "no", want: "false"},
		{raw: "NO", want: "false"},
		{raw: "0", want: "false"},
		{raw: "tal vez", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ValidateValue(&def, tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateValue_Select(t *testing.T) {
	def := models.FieldDefinition{Key: "tipo", Type: models.FieldTypeSelect, Options: []string{"muelles", "roscada", "neumatica"}}

	got, err := ValidateValue(&def, "ROSCADA")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "roscada" {
		t.Errorf("expected canonical option spelling, got %q", got)
	}

	if _, err := ValidateValue(&def, "hidraulica"); err == nil {
		t.Error("expected error for unknown option")
	} else if !strings.Contains(err.Error(), "muelles") {
		t.Errorf("error should list valid options, got %v", err)
	}
}

func TestValidateValues_IndependentFields(t *testing.T) {
	defs := escapeDefinition().Fields

	clean, fieldErrs := ValidateValues(defs, map[string]string{
		"marca":      "Akrapovic",
		"homologado": "quizás",
		"desconocido": "x",
	})

	if clean["marca"] != "Akrapovic" {
		t.Errorf("valid field should survive invalid siblings, clean=%v", clean)
	}
	if _, ok := fieldErrs["homologado"]; !ok {
		t.Errorf("expected error for homologado, got %v", fieldErrs)
	}
	if fieldErrs["desconocido"] != "campo no reconocido" {
		t.Errorf("unknown key should be rejected, got %v", fieldErrs)
	}
	if _, ok := clean["homologado"]; ok {
		t.Error("invalid value must not reach clean")
	}
}

func TestValidateValues_AllValid(t *testing.T) {
	defs := escapeDefinition().Fields

	clean, fieldErrs := ValidateValues(defs, map[string]string{
		"marca":      "Remus",
		"homologado": "no",
	})
	if len(fieldErrs) != 0 {
		t.Fatalf("unexpected field errors: %v", fieldErrs)
	}
	if clean["homologado"] != "false" {
		t.Errorf("boolean should canonicalize, got %v", clean)
	}
}
