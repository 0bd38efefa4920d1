package catalog

import (
	"fmt"
	"log/slog"

	"github.com/pepeccz/msi-a-sub002/internal/models"
	"github.com/pepeccz/msi-a-sub002/internal/store"
)

// SeedDefaults inserts the built-in modification items when the store's
// catalog is empty. Running it against a populated store is a no-op, so
// operator edits survive restarts.
func SeedDefaults(s store.Store) error {
	existing, err := s.ListItemDefinitions()
	if err != nil {
		return fmt.Errorf("failed to check existing catalog: %w", err)
	}
	if len(existing) > 0 {
		slog.Debug("catalog.SeedDefaults: catalog already populated", "items", len(existing))
		return nil
	}

	for _, def := range defaultItems() {
		if err := ValidateDefinition(def); err != nil {
			return fmt.Errorf("built-in item %s is invalid: %w", def.Code, err)
		}
		if err := s.SaveItemDefinition(def); err != nil {
			return fmt.Errorf("failed to seed item %s: %w", def.Code, err)
		}
	}
	slog.Info("catalog.SeedDefaults: default catalog seeded", "items", len(defaultItems()))
	return nil
}

func defaultItems() []models.ItemDefinition {
	whenTrue := func(field string) *models.FieldCondition {
		return &models.FieldCondition{Field: field, Operator: models.OperatorEquals, Value: "true"}
	}
	minMax := func(min, max float64) (*float64, *float64) { return &min, &max }

	dbMin, dbMax := minMax(0, 120)
	diamMin, diamMax := minMax(10, 24)

	return []models.ItemDefinition{
		{
			Code: "escape",
			Name: "Sistema de escape",
			Fields: []models.FieldDefinition{
				{Key: "marca", Label: "Marca", Type: models.FieldTypeText, Required: true, MaxLength: 60},
				{Key: "modelo", Label: "Modelo", Type: models.FieldTypeText, MaxLength: 60},
				{Key: "homologado", Label: "¿Está homologado?", Type: models.FieldTypeBoolean, Required: true},
				{Key: "numero_homologacion", Label: "Número de homologación", Type: models.FieldTypeText, Required: true, Condition: whenTrue("homologado")},
				{Key: "db_sonido", Label: "Nivel sonoro (dB)", Type: models.FieldTypeNumber, MinValue: dbMin, MaxValue: dbMax},
			},
		},
		{
			Code: "suspension",
			Name: "Suspensión",
			Fields: []models.FieldDefinition{
				{Key: "marca", Label: "Marca", Type: models.FieldTypeText, Required: true, MaxLength: 60},
				{Key: "tipo", Label: "Tipo de suspensión", Type: models.FieldTypeSelect, Required: true, Options: []string{"muelles", "roscada", "neumatica"}},
				{Key: "rebaje_mm", Label: "Rebaje (mm)", Type: models.FieldTypeNumber, Required: true},
			},
		},
		{
			Code: "llantas",
			Name: "Llantas",
			Fields: []models.FieldDefinition{
				{Key: "marca", Label: "Marca", Type: models.FieldTypeText, Required: true, MaxLength: 60},
				{Key: "diametro_pulgadas", Label: "Diámetro (pulgadas)", Type: models.FieldTypeNumber, Required: true, MinValue: diamMin, MaxValue: diamMax},
				{Key: "neumaticos_nuevos", Label: "¿Lleva neumáticos nuevos?", Type: models.FieldTypeBoolean, Required: true},
				{Key: "medida_neumaticos", Label: "Medida de los neumáticos", Type: models.FieldTypeText, Required: true, Condition: whenTrue("neumaticos_nuevos")},
			},
		},
		{
			Code: "aleron",
			Name: "Alerón",
			Fields: []models.FieldDefinition{
				{Key: "material", Label: "Material", Type: models.FieldTypeSelect, Required: true, Options: []string{"abs", "fibra", "carbono"}},
				{Key: "certificado", Label: "¿Tiene certificado del fabricante?", Type: models.FieldTypeBoolean, Required: true},
			},
		},
		{
			Code: "asientos",
			Name: "Asientos",
			Fields: []models.FieldDefinition{
				{Key: "marca", Label: "Marca", Type: models.FieldTypeText, Required: true, MaxLength: 60},
				{Key: "arneses", Label: "¿Lleva arneses?", Type: models.FieldTypeBoolean, Required: true},
				{Key: "homologacion_arneses", Label: "Homologación de los arneses", Type: models.FieldTypeText, Required: true, Condition: whenTrue("arneses")},
			},
		},
	}
}
