// Package flow provides the conversation responder: per-turn prompt
// composition and the bounded tool-dispatch loop between the model and the
// case FSM.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/pepeccz/msi-a-sub002/internal/genai"
	"github.com/pepeccz/msi-a-sub002/internal/models"
)

const defaultSystemPrompt = `Eres el asistente de MSI Automoción para homologaciones de vehículos por WhatsApp.
Hablas en español, de forma cercana y breve, como en un chat.
Guías al cliente por la recogida de datos de su expediente paso a paso y solo pides lo que la fase actual necesita.
Nunca inventes precios, plazos ni normativas. Usa las herramientas disponibles para registrar datos y avanzar el expediente; nunca des por hecho un avance sin usarlas.
Si el cliente pide hablar con una persona, díselo al equipo y confírmaselo.`

// Maximum tool rounds per turn. Prevents infinite model/tool loops.
const maxToolRounds = 10

// Responder generates one assistant reply per conversation turn, dispatching
// any case tool calls the model makes along the way.
type Responder struct {
	genaiClient  genai.ClientInterface
	caseTool     *CaseTool
	catalog      Catalog
	systemPrompt string
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithSystemPrompt overrides the built-in system prompt.
func WithSystemPrompt(prompt string) ResponderOption {
	return func(r *Responder) { r.systemPrompt = prompt }
}

// NewResponder creates a conversation responder.
func NewResponder(genaiClient genai.ClientInterface, caseTool *CaseTool, catalog Catalog, opts ...ResponderOption) *Responder {
	slog.Debug("flow.NewResponder: creating responder", "hasGenAI", genaiClient != nil, "hasCaseTool", caseTool != nil)
	r := &Responder{
		genaiClient:  genaiClient,
		caseTool:     caseTool,
		catalog:      catalog,
		systemPrompt: defaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Respond produces the assistant reply for the conversation's latest turn.
// hint carries corrective guidance when a previous draft was rejected; pass
// "" for a normal turn. The returned invocation records cover every tool the
// model called during the turn, in execution order.
func (r *Responder) Respond(ctx context.Context, conv *models.ConversationState, hint string) (string, []models.ToolInvocationRecord, error) {
	messages := r.buildMessages(ctx, conv, hint)
	tools := r.caseTool.GetToolDefinitions()
	var invocations []models.ToolInvocationRecord

	for round := 1; round <= maxToolRounds; round++ {
		slog.Debug("Responder.Respond: round start", "conversationID", conv.ConversationID, "round", round, "messageCount", len(messages))

		toolResponse, err := r.genaiClient.GenerateWithTools(ctx, messages, tools)
		if err != nil {
			slog.Error("Responder.Respond: generation failed", "error", err, "conversationID", conv.ConversationID, "round", round)
			return "", invocations, fmt.Errorf("failed to generate response: %w", err)
		}

		if len(toolResponse.ToolCalls) == 0 {
			if toolResponse.Content != "" {
				return toolResponse.Content, invocations, nil
			}
			slog.Warn("Responder.Respond: empty content and no tool calls", "conversationID", conv.ConversationID, "round", round)
			return "¿En qué puedo ayudarte con tu expediente?", invocations, nil
		}

		messages, invocations = r.executeToolCalls(ctx, conv, toolResponse, messages, invocations)

		if toolResponse.Content != "" {
			return toolResponse.Content, invocations, nil
		}
	}

	// Rounds exhausted without a user-facing message; summarize via a plain
	// completion over the accumulated tool results.
	slog.Warn("Responder.Respond: hit maximum tool rounds", "conversationID", conv.ConversationID, "maxRounds", maxToolRounds)
	final, err := r.genaiClient.GenerateWithMessages(ctx, messages)
	if err != nil || final == "" {
		return "He registrado los datos; seguimos en el siguiente mensaje.", invocations, nil
	}
	return final, invocations, nil
}

// executeToolCalls runs the model's tool calls against the case FSM, appends
// the assistant and tool messages to the context, and records an audit entry
// per call.
func (r *Responder) executeToolCalls(ctx context.Context, conv *models.ConversationState, toolResponse *genai.ToolCallResponse, messages []openai.ChatCompletionMessageParamUnion, invocations []models.ToolInvocationRecord) ([]openai.ChatCompletionMessageParamUnion, []models.ToolInvocationRecord) {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, tc := range toolResponse.ToolCalls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{
		OfAssistant: &openai.ChatCompletionAssistantMessageParam{
			Content: openai.ChatCompletionAssistantMessageParamContentUnion{
				OfString: param.NewOpt(toolResponse.Content),
			},
			ToolCalls: toolCalls,
		},
	})

	for _, tc := range toolResponse.ToolCalls {
		record := models.ToolInvocationRecord{
			ConversationID: conv.ConversationID,
			Tool:           tc.Function.Name,
			Params:         sanitizeParams(tc.Function.Arguments),
			TurnSeq:        conv.TurnSeq,
			Timestamp:      time.Now(),
		}

		var args map[string]interface{}
		reply := ""
		if err := json.Unmarshal(tc.Function.Arguments, &args); err != nil && len(tc.Function.Arguments) > 0 {
			slog.Error("Responder.executeToolCalls: failed to parse tool arguments", "error", err, "tool", tc.Function.Name, "conversationID", conv.ConversationID)
			record.Outcome = models.ToolOutcomeError
			reply = fmt.Sprintf("Error: invalid arguments for %s", tc.Function.Name)
		} else {
			toolReply, result, err := r.caseTool.ExecuteTool(ctx, conv, tc.Function.Name, args)
			switch {
			case err != nil:
				record.Outcome = models.ToolOutcomeError
				reply = fmt.Sprintf("Error: %v", err)
			case result.Code == models.ResultOK:
				record.Outcome = models.ToolOutcomeSuccess
				reply = toolReply
			default:
				// Phase mismatch, validation failure or pending confirmation:
				// the call executed but did not advance the case.
				record.Outcome = models.ToolOutcomeBlocked
				reply = toolReply
			}
		}

		invocations = append(invocations, record)
		messages = append(messages, openai.ToolMessage(reply, tc.ID))
	}

	return messages, invocations
}

// sanitizeParams renders tool arguments for the audit trail. Values inside a
// "values" object are user content (DNI, phone numbers, addresses) and are
// masked; their keys and the remaining arguments (item codes, section names,
// confirmation flags) stay readable so the trail still shows what each call
// touched.
func sanitizeParams(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return `{"error":"unparseable arguments"}`
	}
	if values, ok := args["values"].(map[string]interface{}); ok {
		masked := make(map[string]interface{}, len(values))
		for key := range values {
			masked[key] = "[oculto]"
		}
		args["values"] = masked
	}
	out, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(out)
}

// buildMessages assembles the per-turn model context: system prompt, current
// case status, conversation history, and any corrective hint.
func (r *Responder) buildMessages(ctx context.Context, conv *models.ConversationState, hint string) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(r.systemPrompt),
		openai.SystemMessage(r.caseContext(ctx, conv)),
	}
	for _, msg := range conv.Messages {
		switch msg.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case models.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		}
	}
	if hint != "" {
		messages = append(messages, openai.SystemMessage("Corrige tu respuesta anterior: "+hint))
	}
	return messages
}

// caseContext renders the case status block the model sees every turn. It is
// rebuilt fresh per turn because collected values change which fields apply.
func (r *Responder) caseContext(ctx context.Context, conv *models.ConversationState) string {
	st := conv.Case
	if st == nil || st.Phase.IsTerminal() {
		return "ESTADO: sin expediente abierto. Si el cliente acepta un presupuesto, abre el expediente con open_case pasando los códigos de los elementos modificados."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ESTADO DEL EXPEDIENTE %s\nFase: %s\n", st.CaseID, st.Phase)

	switch st.Phase {
	case models.PhasePerItem:
		r.writeItemContext(ctx, &b, st)
	case models.PhaseBaseDocs:
		b.WriteString("Pide la documentación base del expediente (ficha técnica y permiso de circulación). Cuando el cliente diga que la ha enviado, usa confirm_base_docs.\n")
	case models.PhasePersonal:
		writeSectionContext(&b, st, models.SectionPersonal, ToolSubmitPersonalData)
	case models.PhaseVehicle:
		writeSectionContext(&b, st, models.SectionVehicle, ToolSubmitVehicleData)
	case models.PhaseWorkshop:
		writeSectionContext(&b, st, models.SectionWorkshop, ToolSubmitWorkshopData)
	case models.PhaseReview:
		b.WriteString("Presenta este resumen al cliente y pregunta si es correcto. Si quiere corregir algo usa edit_section; si lo aprueba usa finalize_case.\n")
		b.WriteString(r.reviewSummary(ctx, st))
	}

	if st.PendingConfirm != "" {
		b.WriteString("ATENCIÓN: no se ha recibido ningún archivo para el paso actual. Si el cliente insiste en que ya lo envió, repite la herramienta de confirmación con confirmed=true.\n")
	}
	return b.String()
}

// writeItemContext describes the current item's sub-phase and, in the data
// sub-phase, the collection plan for its remaining fields.
func (r *Responder) writeItemContext(ctx context.Context, b *strings.Builder, st *models.CaseState) {
	code := st.CurrentItem()
	fmt.Fprintf(b, "Elemento actual: %s (%d de %d)\n", code, st.CurrentItemIndex+1, len(st.Items))

	if st.ItemPhase == models.ItemPhasePhotos {
		fmt.Fprintf(b, "Pide fotos del elemento %s. Cuando el cliente diga que las ha enviado, usa confirm_item_photos.\n", code)
		return
	}

	def, err := r.catalog.GetItemDefinition(ctx, code)
	if err != nil {
		slog.Error("Responder.writeItemContext: item definition lookup failed", "error", err, "item", code)
		fmt.Fprintf(b, "Recoge los datos del elemento %s con submit_item_data.\n", code)
		return
	}

	collected := st.ItemData[code]
	plan := BuildPlan(def.Fields, collected)
	outstanding := MissingRequired(def.Fields, collected)

	if len(outstanding) == 0 {
		fmt.Fprintf(b, "Todos los datos de %s están completos. Usa complete_item para cerrarlo.\n", code)
		return
	}

	fmt.Fprintf(b, "Datos pendientes de %s (registra con submit_item_data):\n", code)
	applicable := ApplicableFields(def.Fields, collected)
	for _, fd := range applicable {
		if _, ok := collected[fd.Key]; ok {
			continue
		}
		fmt.Fprintf(b, "- %s (%s)%s\n", fd.Key, fd.Label, fieldTypeNote(fd))
	}

	switch plan.Mode {
	case ModeSequential:
		b.WriteString("Pregunta los campos DE UNO EN UNO, empezando por el primero pendiente.\n")
	case ModeBatch:
		b.WriteString("Pide todos los campos pendientes en un solo mensaje.\n")
	case ModeHybrid:
		fmt.Fprintf(b, "Pide primero en un solo mensaje: %s. Los campos condicionales (%s) solo cuando conozcas sus dependencias.\n",
			strings.Join(plan.BaseFields, ", "), strings.Join(plan.ConditionalFields, ", "))
	}
}

func writeSectionContext(b *strings.Builder, st *models.CaseState, section models.SectionID, tool string) {
	schema := models.SectionSchema(section)
	values := st.Section(section)
	collected := make(map[string]string, len(schema))
	for _, fd := range schema {
		if v, ok := values.Get(fd.Key); ok && v != "" {
			collected[fd.Key] = v
		}
	}
	outstanding := MissingRequired(schema, collected)
	if len(outstanding) == 0 {
		fmt.Fprintf(b, "Sección completa; registra cualquier corrección con %s.\n", tool)
		return
	}
	fmt.Fprintf(b, "Campos pendientes (registra con %s):\n", tool)
	for _, fd := range schema {
		if _, ok := collected[fd.Key]; ok {
			continue
		}
		fmt.Fprintf(b, "- %s (%s)\n", fd.Key, fd.Label)
	}
}

// reviewSummary renders everything collected so far for the review phase.
func (r *Responder) reviewSummary(ctx context.Context, st *models.CaseState) string {
	var b strings.Builder
	b.WriteString("RESUMEN:\n")

	for _, code := range st.Items {
		fmt.Fprintf(&b, "Elemento %s [%s]\n", code, st.ItemStatus[code])
		def, err := r.catalog.GetItemDefinition(ctx, code)
		if err != nil {
			continue
		}
		for _, fd := range def.Fields {
			if v, ok := st.ItemData[code][fd.Key]; ok {
				fmt.Fprintf(&b, "  %s: %s\n", fd.Label, v)
			}
		}
	}

	for _, section := range []models.SectionID{models.SectionPersonal, models.SectionVehicle, models.SectionWorkshop} {
		fmt.Fprintf(&b, "Sección %s\n", section)
		values := st.Section(section)
		for _, fd := range models.SectionSchema(section) {
			if v, ok := values.Get(fd.Key); ok && v != "" {
				fmt.Fprintf(&b, "  %s: %s\n", fd.Label, v)
			}
		}
	}

	if st.BaseDocsReceived {
		b.WriteString("Documentación base: recibida\n")
	}
	return b.String()
}

func fieldTypeNote(fd models.FieldDefinition) string {
	switch fd.Type {
	case models.FieldTypeSelect:
		return " [opciones: " + strings.Join(fd.Options, ", ") + "]"
	case models.FieldTypeBoolean:
		return " [sí/no]"
	default:
		return ""
	}
}
