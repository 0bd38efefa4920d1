package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/pepeccz/msi-a-sub002/internal/genai"
	"github.com/pepeccz/msi-a-sub002/internal/models"
)

// mockGenAIClient scripts a sequence of tool-loop rounds.
type mockGenAIClient struct {
	responses []*genai.ToolCallResponse
	calls     int
	err       error

	fallback    string
	fallbackErr error
}

func (m *mockGenAIClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	return m.fallback, m.fallbackErr
}

func (m *mockGenAIClient) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.calls >= len(m.responses) {
		return &genai.ToolCallResponse{Content: "fin"}, nil
	}
	resp := m.responses[m.calls]
	m.calls++
	return resp, nil
}

func toolCall(id, name, args string) models.ToolCall {
	return models.ToolCall{
		ID:   id,
		Type: "function",
		Function: models.FunctionCall{
			Name:      name,
			Arguments: json.RawMessage(args),
		},
	}
}

func newTestResponder(client genai.ClientInterface) *Responder {
	fsm, _, _ := newTestFSM()
	return NewResponder(client, NewCaseTool(fsm), newMockCatalog(escapeDefinition(), llantasDefinition()))
}

func TestRespond_PlainContent(t *testing.T) {
	client := &mockGenAIClient{responses: []*genai.ToolCallResponse{
		{Content: "Hola, ¿qué tal?"},
	}}
	responder := newTestResponder(client)
	conv := &models.ConversationState{ConversationID: "34600111222", TurnSeq: 1}

	reply, invocations, err := responder.Respond(context.Background(), conv, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Hola, ¿qué tal?" {
		t.Errorf("unexpected reply: %q", reply)
	}
	if len(invocations) != 0 {
		t.Errorf("no tool invocations expected, got %d", len(invocations))
	}
}

func TestRespond_ToolCallThenContent(t *testing.T) {
	client := &mockGenAIClient{responses: []*genai.ToolCallResponse{
		{ToolCalls: []models.ToolCall{toolCall("call_1", ToolOpenCase, `{"items":["escape"]}`)}},
		{Content: "Expediente abierto, envíame fotos del escape."},
	}}
	responder := newTestResponder(client)
	conv := &models.ConversationState{ConversationID: "34600111222", TurnSeq: 3}

	reply, invocations, err := responder.Respond(context.Background(), conv, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(reply, "Expediente abierto") {
		t.Errorf("unexpected reply: %q", reply)
	}
	if conv.Case == nil || conv.Case.Phase != models.PhasePerItem {
		t.Fatalf("tool call should have opened a case: %+v", conv.Case)
	}
	if len(invocations) != 1 {
		t.Fatalf("expected 1 invocation record, got %d", len(invocations))
	}
	rec := invocations[0]
	if rec.Tool != ToolOpenCase || rec.Outcome != models.ToolOutcomeSuccess {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.TurnSeq != 3 || rec.ConversationID != "34600111222" {
		t.Errorf("audit fields wrong: %+v", rec)
	}
}

func TestRespond_BlockedToolRecorded(t *testing.T) {
	// finalize_case with no open case is a phase mismatch: executed but blocked.
	client := &mockGenAIClient{responses: []*genai.ToolCallResponse{
		{ToolCalls: []models.ToolCall{toolCall("call_1", ToolFinalizeCase, `{}`)}},
		{Content: "No hay expediente abierto todavía."},
	}}
	responder := newTestResponder(client)
	conv := &models.ConversationState{ConversationID: "34600111222"}

	_, invocations, err := responder.Respond(context.Background(), conv, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(invocations) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(invocations))
	}
	if invocations[0].Outcome != models.ToolOutcomeBlocked {
		t.Errorf("phase mismatch should record blocked, got %v", invocations[0].Outcome)
	}
}

func TestRespond_AuditParamsMaskFieldValues(t *testing.T) {
	client := &mockGenAIClient{responses: []*genai.ToolCallResponse{
		{ToolCalls: []models.ToolCall{toolCall("call_1", ToolSubmitPersonalData,
			`{"values":{"dni":"12345678Z","telefono":"600111222"}}`)}},
		{Content: "Datos registrados."},
	}}
	responder := newTestResponder(client)
	conv := &models.ConversationState{ConversationID: "34600111222", TurnSeq: 5}

	_, invocations, err := responder.Respond(context.Background(), conv, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(invocations) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(invocations))
	}
	rec := invocations[0]
	for _, value := range []string{"12345678Z", "600111222"} {
		if strings.Contains(rec.Params, value) {
			t.Errorf("audit params must not carry field values, found %q in %q", value, rec.Params)
		}
	}
	for _, key := range []string{"dni", "telefono"} {
		if !strings.Contains(rec.Params, key) {
			t.Errorf("audit params should keep field keys, missing %q in %q", key, rec.Params)
		}
	}
}

func TestSanitizeParams(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", ""},
		{"non-value args pass through", `{"items":["escape"]}`, `{"items":["escape"]}`},
		{"values masked", `{"values":{"dni":"12345678Z"}}`, `{"values":{"dni":"[oculto]"}}`},
		{"unparseable", `{"values":{"dni":"12345678Z"`, `{"error":"unparseable arguments"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeParams(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("sanitizeParams(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestRespond_UnknownToolRecordsError(t *testing.T) {
	client := &mockGenAIClient{responses: []*genai.ToolCallResponse{
		{ToolCalls: []models.ToolCall{toolCall("call_1", "compute_tariff", `{}`)}},
		{Content: "listo"},
	}}
	responder := newTestResponder(client)
	conv := &models.ConversationState{ConversationID: "34600111222"}

	_, invocations, err := responder.Respond(context.Background(), conv, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(invocations) != 1 || invocations[0].Outcome != models.ToolOutcomeError {
		t.Errorf("unknown tool should record an error outcome: %+v", invocations)
	}
}

func TestRespond_GenerationError(t *testing.T) {
	client := &mockGenAIClient{err: errors.New("api down")}
	responder := newTestResponder(client)
	conv := &models.ConversationState{ConversationID: "34600111222"}

	_, _, err := responder.Respond(context.Background(), conv, "")
	if err == nil || !strings.Contains(err.Error(), "api down") {
		t.Errorf("expected generation error, got %v", err)
	}
}

func TestRespond_EmptyResponseFallback(t *testing.T) {
	client := &mockGenAIClient{responses: []*genai.ToolCallResponse{{}}}
	responder := newTestResponder(client)
	conv := &models.ConversationState{ConversationID: "34600111222"}

	reply, _, err := responder.Respond(context.Background(), conv, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply == "" {
		t.Error("empty model output should fall back to a stock reply")
	}
}

func TestRespond_MaxRoundsFallsBackToPlainCompletion(t *testing.T) {
	// The model keeps calling tools without ever producing content.
	var responses []*genai.ToolCallResponse
	for i := 0; i < maxToolRounds; i++ {
		responses = append(responses, &genai.ToolCallResponse{
			ToolCalls: []models.ToolCall{toolCall("call_x", ToolCancelCase, `{}`)},
		})
	}
	client := &mockGenAIClient{responses: responses, fallback: "resumen final"}
	responder := newTestResponder(client)
	conv := &models.ConversationState{ConversationID: "34600111222"}

	reply, invocations, err := responder.Respond(context.Background(), conv, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "resumen final" {
		t.Errorf("expected plain-completion fallback, got %q", reply)
	}
	if len(invocations) != maxToolRounds {
		t.Errorf("expected %d invocation records, got %d", maxToolRounds, len(invocations))
	}
}

func TestExecuteTool_FullCaseWalk(t *testing.T) {
	fsm, counter, _ := newTestFSM()
	ct := NewCaseTool(fsm)
	ctx := context.Background()
	conv := &models.ConversationState{ConversationID: "34600111222"}

	reply, result, err := ct.ExecuteTool(ctx, conv, ToolOpenCase, map[string]interface{}{
		"items": []interface{}{"escape"},
	})
	if err != nil || !result.OK() {
		t.Fatalf("open_case failed: %v %+v", err, result)
	}
	if !strings.Contains(reply, "phase=PER_ITEM_COLLECTION") {
		t.Errorf("rendered reply should carry the phase: %q", reply)
	}

	counter.set(conv.Case.CaseID, models.ItemConfirmScope("escape"), 1)
	if _, result, err = ct.ExecuteTool(ctx, conv, ToolConfirmItemPhotos, nil); err != nil || !result.OK() {
		t.Fatalf("confirm_item_photos failed: %v %+v", err, result)
	}

	reply, result, err = ct.ExecuteTool(ctx, conv, ToolSubmitItemData, map[string]interface{}{
		"values": map[string]interface{}{"marca": "Akrapovic", "homologado": "no"},
	})
	if err != nil || !result.OK() {
		t.Fatalf("submit_item_data failed: %v %+v", err, result)
	}
	if strings.Contains(reply, "pending fields") {
		t.Errorf("nothing should be outstanding: %q", reply)
	}

	if _, result, err = ct.ExecuteTool(ctx, conv, ToolCompleteItem, nil); err != nil || !result.OK() {
		t.Fatalf("complete_item failed: %v %+v", err, result)
	}
	if conv.Case.Phase != models.PhaseBaseDocs {
		t.Fatalf("expected BASE_DOCS, got %v", conv.Case.Phase)
	}

	counter.set(conv.Case.CaseID, models.ConfirmScopeBaseDocs, 1)
	if _, result, err = ct.ExecuteTool(ctx, conv, ToolConfirmBaseDocs, nil); err != nil || !result.OK() {
		t.Fatalf("confirm_base_docs failed: %v %+v", err, result)
	}

	if _, result, err = ct.ExecuteTool(ctx, conv, ToolSubmitPersonalData, map[string]interface{}{
		"values": map[string]interface{}{"nombre": "Pepe", "apellidos": "Cruz Campo", "dni": "12345678Z", "telefono": "600111222"},
	}); err != nil || !result.OK() {
		t.Fatalf("submit_personal_data failed: %v %+v", err, result)
	}
	if _, result, err = ct.ExecuteTool(ctx, conv, ToolSubmitVehicleData, map[string]interface{}{
		"values": map[string]interface{}{"matricula": "1234BCD", "marca": "Seat", "modelo": "León", "bastidor": "VSSZZZ1PZ8R123456"},
	}); err != nil || !result.OK() {
		t.Fatalf("submit_vehicle_data failed: %v %+v", err, result)
	}
	if _, result, err = ct.ExecuteTool(ctx, conv, ToolSubmitWorkshopData, map[string]interface{}{
		"values": map[string]interface{}{"nombre": "Talleres Paco", "cif": "B1234567A", "provincia": "Sevilla"},
	}); err != nil || !result.OK() {
		t.Fatalf("submit_workshop_data failed: %v %+v", err, result)
	}
	if conv.Case.Phase != models.PhaseReview {
		t.Fatalf("expected REVIEW_SUMMARY, got %v", conv.Case.Phase)
	}

	if _, result, err = ct.ExecuteTool(ctx, conv, ToolFinalizeCase, nil); err != nil || !result.OK() {
		t.Fatalf("finalize_case failed: %v %+v", err, result)
	}
	if conv.Case.Phase != models.PhaseCompleted {
		t.Fatalf("expected COMPLETED, got %v", conv.Case.Phase)
	}
}

func TestExecuteTool_ValidationErrorsRendered(t *testing.T) {
	fsm, _, _ := newTestFSM()
	ct := NewCaseTool(fsm)
	conv := &models.ConversationState{ConversationID: "34600111222"}

	reply, result, err := ct.ExecuteTool(context.Background(), conv, ToolOpenCase, map[string]interface{}{
		"items": []interface{}{"turbina"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Code != models.ResultValidationFailed {
		t.Fatalf("expected validation failure, got %+v", result)
	}
	if !strings.Contains(reply, "turbina") {
		t.Errorf("rendered reply should name the bad code: %q", reply)
	}
}

func TestCaseContext_StatesAndConfirmWarning(t *testing.T) {
	responder := newTestResponder(&mockGenAIClient{})
	ctx := context.Background()

	// No case: open_case guidance.
	conv := &models.ConversationState{ConversationID: "34600111222"}
	if got := responder.caseContext(ctx, conv); !strings.Contains(got, "open_case") {
		t.Errorf("idle context should mention open_case: %q", got)
	}

	// Per-item photos phase names the current item.
	fsm, _, _ := newTestFSM()
	openTestCase(t, fsm, conv, []string{"escape"})
	if got := responder.caseContext(ctx, conv); !strings.Contains(got, "escape") || !strings.Contains(got, "confirm_item_photos") {
		t.Errorf("photos context should mention item and tool: %q", got)
	}

	// Pending confirmation adds the warning block.
	conv.Case.PendingConfirm = models.ItemConfirmScope("escape")
	if got := responder.caseContext(ctx, conv); !strings.Contains(got, "confirmed=true") {
		t.Errorf("pending confirm warning missing: %q", got)
	}
}

func TestGetToolDefinitions_CoversAllTools(t *testing.T) {
	ct := NewCaseTool(nil)
	defs := ct.GetToolDefinitions()

	want := map[string]bool{
		ToolOpenCase: false, ToolConfirmItemPhotos: false, ToolSubmitItemData: false,
		ToolCompleteItem: false, ToolConfirmBaseDocs: false, ToolSubmitPersonalData: false,
		ToolSubmitVehicleData: false, ToolSubmitWorkshopData: false, ToolEditSection: false,
		ToolFinalizeCase: false, ToolCancelCase: false,
	}
	for _, def := range defs {
		want[def.Function.Name] = true
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("tool %s missing from definitions", name)
		}
	}
	if len(defs) != len(want) {
		t.Errorf("expected %d definitions, got %d", len(want), len(defs))
	}
}
