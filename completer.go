package dirigent

import (
	"context"
	"encoding/json"
	"strings"
)

// ToolChoice controls whether the model may, must, or must not call tools.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// ResponseSchema requests structured JSON output matching a JSON Schema.
type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// CompletionRequest is one model call. Choices, when set, constrains the
// answer to exactly one of the listed strings; implementations map it to
// their guided-decoding mechanism or an enum schema.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Tools       []ToolDefinition
	ToolChoice  ToolChoice
	Temperature *float64
	Schema      *ResponseSchema
	Choices     []string
}

// Completion is the model's reply.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Completer abstracts the LLM backend.
type Completer interface {
	// Complete sends a request and returns the full response.
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	// Name returns the backend name (e.g. "openai-chat").
	Name() string
}

// decodeStructured parses a model's structured reply into v, tolerating
// markdown code fences around the JSON. A parse failure is a *SchemaError.
func decodeStructured(content string, v any) error {
	raw := stripCodeFence(content)
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return &SchemaError{Detail: err.Error(), Raw: content}
	}
	return nil
}

// stripCodeFence removes a surrounding ```json ... ``` fence, if present.
func stripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:] // drop the language tag line
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
