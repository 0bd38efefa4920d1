// Package flow provides the LLM tool surface over the case FSM. Every state
// mutation the model can perform goes through one of these named tools; the
// model never edits state directly.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/pepeccz/msi-a-sub002/internal/models"
)

// Tool names exposed to the model.
const (
	ToolOpenCase           = "open_case"
	ToolConfirmItemPhotos  = "confirm_item_photos"
	ToolSubmitItemData     = "submit_item_data"
	ToolCompleteItem       = "complete_item"
	ToolConfirmBaseDocs    = "confirm_base_docs"
	ToolSubmitPersonalData = "submit_personal_data"
	ToolSubmitVehicleData  = "submit_vehicle_data"
	ToolSubmitWorkshopData = "submit_workshop_data"
	ToolEditSection        = "edit_section"
	ToolFinalizeCase       = "finalize_case"
	ToolCancelCase         = "cancel_case"
)

// CaseTool exposes the case FSM operations as OpenAI function tools.
type CaseTool struct {
	fsm *CaseFSM
}

// NewCaseTool creates a new case tool instance.
func NewCaseTool(fsm *CaseFSM) *CaseTool {
	slog.Debug("CaseTool.NewCaseTool: creating case tool", "hasFSM", fsm != nil)
	return &CaseTool{fsm: fsm}
}

// GetToolDefinitions returns the OpenAI tool definitions for all case
// operations. The definitions are static; which ones actually succeed
// depends on the case phase at execution time.
func (ct *CaseTool) GetToolDefinitions() []openai.ChatCompletionToolParam {
	valuesParam := map[string]interface{}{
		"type":        "object",
		"description": "Field values keyed by field key. Partial submissions are allowed; each field is validated independently.",
		"additionalProperties": map[string]interface{}{
			"type": "string",
		},
	}
	confirmedParam := map[string]interface{}{
		"type":        "boolean",
		"description": "Set true only when the user explicitly re-confirms after being told nothing was received",
	}
	noParams := shared.FunctionParameters{
		"type":       "object",
		"properties": map[string]interface{}{},
	}

	return []openai.ChatCompletionToolParam{
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolOpenCase,
				Description: openai.String("Open a case for the accepted quote. Pass the modified item codes in collection order. Only legal when no case is open."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"items": map[string]interface{}{
							"type":        "array",
							"items":       map[string]interface{}{"type": "string"},
							"description": "Catalog codes of the modified items, in the order they will be collected",
						},
					},
					"required": []string{"items"},
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolConfirmItemPhotos,
				Description: openai.String("Record that the user says the photos of the current item have been sent. The transition only happens if photos were actually received."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"confirmed": confirmedParam,
					},
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolSubmitItemData,
				Description: openai.String("Save field values for the current item. Use the catalog field keys. Call complete_item once nothing is outstanding."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"values": valuesParam,
					},
					"required": []string{"values"},
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolCompleteItem,
				Description: openai.String("Close the current item and move to the next one (or to base documentation after the last item). Fails while required fields are outstanding."),
				Parameters:  noParams,
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolConfirmBaseDocs,
				Description: openai.String("Record that the user says the base case documentation has been sent. The transition only happens if documents were actually received."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"confirmed": confirmedParam,
					},
				},
			},
		},
		sectionSubmitDefinition(ToolSubmitPersonalData, "Save personal data fields (nombre, apellidos, dni, telefono, email)."),
		sectionSubmitDefinition(ToolSubmitVehicleData, "Save vehicle data fields (matricula, marca, modelo, bastidor, fecha_matriculacion)."),
		sectionSubmitDefinition(ToolSubmitWorkshopData, "Save workshop data fields (nombre, cif, provincia, telefono)."),
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolEditSection,
				Description: openai.String("From the review summary, reopen one section for correction. Per-item data cannot be edited."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"section": map[string]interface{}{
							"type":        "string",
							"enum":        []string{string(models.SectionPersonal), string(models.SectionVehicle), string(models.SectionWorkshop), string(models.SectionBaseDocs)},
							"description": "The section to re-collect",
						},
					},
					"required": []string{"section"},
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolFinalizeCase,
				Description: openai.String("Close the case after the user approves the review summary. This is the only way to complete a case."),
				Parameters:  noParams,
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolCancelCase,
				Description: openai.String("Cancel the open case at the user's request. Collected data is discarded."),
				Parameters:  noParams,
			},
		},
	}
}

func sectionSubmitDefinition(name, description string) openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        name,
			Description: openai.String(description),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"values": map[string]interface{}{
						"type":        "object",
						"description": "Field values keyed by field key",
						"additionalProperties": map[string]interface{}{
							"type": "string",
						},
					},
				},
				"required": []string{"values"},
			},
		},
	}
}

// ExecuteTool dispatches a tool call against the conversation's case state
// and renders the transition result for the model. The TransitionResult is
// also returned so callers can audit the outcome.
func (ct *CaseTool) ExecuteTool(ctx context.Context, conv *models.ConversationState, name string, args map[string]interface{}) (string, models.TransitionResult, error) {
	slog.Debug("CaseTool.ExecuteTool: executing case tool", "tool", name, "conversationID", conv.ConversationID)

	var (
		result models.TransitionResult
		err    error
	)
	switch name {
	case ToolOpenCase:
		result, err = ct.fsm.OpenCase(ctx, conv, stringSliceArg(args, "items"))
	case ToolConfirmItemPhotos:
		confirmed, _ := args["confirmed"].(bool)
		result, err = ct.fsm.ConfirmPhotos(ctx, conv.Case, confirmed)
	case ToolSubmitItemData:
		result, err = ct.fsm.SubmitItemData(ctx, conv.Case, stringMapArg(args, "values"))
	case ToolCompleteItem:
		result, err = ct.fsm.CompleteItem(ctx, conv.Case)
	case ToolConfirmBaseDocs:
		confirmed, _ := args["confirmed"].(bool)
		result, err = ct.fsm.ConfirmBaseDocs(ctx, conv.Case, confirmed)
	case ToolSubmitPersonalData:
		result = ct.fsm.SubmitPersonalData(conv.Case, stringMapArg(args, "values"))
	case ToolSubmitVehicleData:
		result = ct.fsm.SubmitVehicleData(conv.Case, stringMapArg(args, "values"))
	case ToolSubmitWorkshopData:
		result = ct.fsm.SubmitWorkshopData(conv.Case, stringMapArg(args, "values"))
	case ToolEditSection:
		section, _ := args["section"].(string)
		result = ct.fsm.EditSection(conv.Case, models.SectionID(section))
	case ToolFinalizeCase:
		result = ct.fsm.Finalize(ctx, conv.Case)
	case ToolCancelCase:
		result = ct.fsm.Cancel(conv.Case)
	default:
		err = fmt.Errorf("unknown case tool: %s", name)
		slog.Error("CaseTool.ExecuteTool: unknown tool", "error", err, "tool", name)
		return "", models.TransitionResult{}, err
	}
	if err != nil {
		slog.Error("CaseTool.ExecuteTool: tool execution failed", "error", err, "tool", name, "conversationID", conv.ConversationID)
		return "", models.TransitionResult{}, fmt.Errorf("tool %s failed: %w", name, err)
	}

	slog.Info("CaseTool.ExecuteTool: tool executed", "tool", name, "conversationID", conv.ConversationID, "code", result.Code, "phase", result.Phase)
	return renderResult(result), result, nil
}

// renderResult formats a transition result as the tool reply the model sees.
func renderResult(r models.TransitionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] phase=%s", r.Code, r.Phase)
	if r.Message != "" {
		fmt.Fprintf(&b, ": %s", r.Message)
	}
	if len(r.Outstanding) > 0 {
		fmt.Fprintf(&b, " | pending fields: %s", strings.Join(r.Outstanding, ", "))
	}
	for field, msg := range r.FieldErrors {
		fmt.Fprintf(&b, " | %s: %s", field, msg)
	}
	return b.String()
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMapArg(args map[string]interface{}, key string) map[string]string {
	raw, ok := args[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
