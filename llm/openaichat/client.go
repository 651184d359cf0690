// Package openaichat implements dirigent.Completer against any
// OpenAI-compatible chat completions API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other provider
// that implements the OpenAI chat completions API.
package openaichat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/dirigentlabs/dirigent"
)

// Client implements dirigent.Completer.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	name    string
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithName overrides the backend name reported by Name (default "openai-chat").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the structured logger for request events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client. baseURL is the API base (e.g.
// "https://api.openai.com/v1"); the /chat/completions path is appended
// automatically.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		name:    "openai-chat",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

// Name returns the backend name.
func (c *Client) Name() string { return c.name }

// --- wire types ---

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireToolSpec `json:"function"`
}

type wireToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireRequest struct {
	Model          string         `json:"model"`
	Messages       []wireMessage  `json:"messages"`
	Tools          []wireTool     `json:"tools,omitempty"`
	ToolChoice     string         `json:"tool_choice,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements dirigent.Completer. A Choices constraint is mapped
// onto a single-enum-string json_schema response format, mirroring
// guided-choice decoding on servers that lack it natively.
func (c *Client) Complete(ctx context.Context, req dirigent.CompletionRequest) (dirigent.Completion, error) {
	body := wireRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, toWireMessage(m))
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, wireTool{
			Type:     "function",
			Function: wireToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if req.ToolChoice != "" && len(req.Tools) > 0 {
		body.ToolChoice = string(req.ToolChoice)
	}
	switch {
	case len(req.Choices) > 0:
		enum, _ := json.Marshal(req.Choices)
		body.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "choice",
				"schema": json.RawMessage(fmt.Sprintf(`{"type":"string","enum":%s}`, enum)),
			},
		}
	case req.Schema != nil:
		body.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   req.Schema.Name,
				"schema": req.Schema.Schema,
			},
		}
	}

	if c.logger != nil {
		c.logger.Debug("chat completion request",
			"model", req.Model, "messages", len(body.Messages), "tools", len(body.Tools), "tool_choice", body.ToolChoice)
	}
	resp, err := c.send(ctx, body)
	if err != nil {
		return dirigent.Completion{}, err
	}
	return parseResponse(resp)
}

func toWireMessage(m dirigent.ChatMessage) wireMessage {
	wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: wireFunction{Name: tc.Name, Arguments: string(tc.Args)},
		})
	}
	return wm
}

func (c *Client) send(ctx context.Context, body wireRequest) (wireResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return wireResponse{}, &dirigent.ErrLLM{Provider: c.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return wireResponse{}, &dirigent.ErrLLM{Provider: c.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return wireResponse{}, &dirigent.ErrLLM{Provider: c.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return wireResponse{}, &dirigent.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(data),
			RetryAfter: dirigent.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return wireResponse{}, &dirigent.ErrLLM{Provider: c.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return wr, nil
}

func parseResponse(wr wireResponse) (dirigent.Completion, error) {
	out := dirigent.Completion{
		Usage: dirigent.Usage{
			InputTokens:  wr.Usage.PromptTokens,
			OutputTokens: wr.Usage.CompletionTokens,
		},
	}
	if len(wr.Choices) == 0 {
		return out, nil
	}
	msg := wr.Choices[0].Message
	out.Content = unquoteChoice(msg.Content)
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, dirigent.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// unquoteChoice strips the JSON string encoding that the enum-schema
// choice emulation wraps answers in ("\"FINISHED\"" -> "FINISHED").
// Non-JSON-string content passes through unchanged.
func unquoteChoice(s string) string {
	var plain string
	if len(s) > 1 && s[0] == '"' && json.Unmarshal([]byte(s), &plain) == nil {
		return plain
	}
	return s
}

// Compile-time interface check.
var _ dirigent.Completer = (*Client)(nil)
