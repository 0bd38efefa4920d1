package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/pepeccz/msi-a-sub002/internal/models"
)

// mockCatalog serves item definitions from a fixed map.
type mockCatalog struct {
	items map[string]*models.ItemDefinition
	err   error
}

func newMockCatalog(defs ...*models.ItemDefinition) *mockCatalog {
	items := make(map[string]*models.ItemDefinition, len(defs))
	for _, d := range defs {
		items[d.Code] = d
	}
	return &mockCatalog{items: items}
}

func (m *mockCatalog) GetItemDefinition(ctx context.Context, code string) (*models.ItemDefinition, error) {
	if m.err != nil {
		return nil, m.err
	}
	def, ok := m.items[code]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", code, models.ErrUnknownItem)
	}
	return def, nil
}

// mockCounter reports attachment counts per "caseID/scope" key.
type mockCounter struct {
	counts map[string]int
	err    error
}

func newMockCounter() *mockCounter {
	return &mockCounter{counts: make(map[string]int)}
}

func (m *mockCounter) set(caseID, scope string, n int) {
	m.counts[caseID+"/"+scope] = n
}

func (m *mockCounter) CountReceived(ctx context.Context, caseID, scope string) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.counts[caseID+"/"+scope], nil
}

// mockEscalator records escalations.
type mockEscalator struct {
	mu      sync.Mutex
	reasons []string
}

func (m *mockEscalator) Escalate(ctx context.Context, caseID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
}

func (m *mockEscalator) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reasons)
}

func floatPtr(f float64) *float64 { return &f }

// escapeDefinition builds the exhaust item used across FSM tests: two base
// fields, one conditional on a boolean, one optional bounded number.
func escapeDefinition() *models.ItemDefinition {
	return &models.ItemDefinition{
		Code: "escape",
		Name: "Escape",
		Fields: []models.FieldDefinition{
			{Key: "marca", Label: "Marca", Type: models.FieldTypeText, Required: true, MinLength: 2, MaxLength: 40},
			{Key: "homologado", Label: "¿Homologado?", Type: models.FieldTypeBoolean, Required: true},
			{
				Key: "numero_homologacion", Label: "Nº de homologación", Type: models.FieldTypeText, Required: true,
				Condition: &models.FieldCondition{Field: "homologado", Operator: models.OperatorEquals, Value: "true"},
			},
			{Key: "db_sonido", Label: "Decibelios", Type: models.FieldTypeNumber, Required: false, MinValue: floatPtr(0), MaxValue: floatPtr(120)},
		},
	}
}

// llantasDefinition builds a second item so multi-item cases can be tested.
func llantasDefinition() *models.ItemDefinition {
	return &models.ItemDefinition{
		Code: "llantas",
		Name: "Llantas",
		Fields: []models.FieldDefinition{
			{Key: "marca", Label: "Marca", Type: models.FieldTypeText, Required: true, MinLength: 2},
			{Key: "diametro_pulgadas", Label: "Diámetro", Type: models.FieldTypeNumber, Required: true, MinValue: floatPtr(10), MaxValue: floatPtr(24)},
		},
	}
}

// newTestFSM builds a CaseFSM with fresh mocks.
func newTestFSM() (*CaseFSM, *mockCounter, *mockEscalator) {
	counter := newMockCounter()
	escalator := &mockEscalator{}
	fsm := NewCaseFSM(newMockCatalog(escapeDefinition(), llantasDefinition()), counter, escalator)
	return fsm, counter, escalator
}

// openTestCase opens a case with the given items and fails the test on any
// unexpected result.
func openTestCase(t interface {
	Helper()
	Fatalf(format string, args ...interface{})
}, fsm *CaseFSM, conv *models.ConversationState, items []string) *models.CaseState {
	t.Helper()
	res, err := fsm.OpenCase(context.Background(), conv, items)
	if err != nil {
		t.Fatalf("OpenCase returned error: %v", err)
	}
	if !res.OK() {
		t.Fatalf("OpenCase result not OK: %+v", res)
	}
	return conv.Case
}
