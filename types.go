package dirigent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a single action request emitted by a model. Name uses the
// "agent--action" convention for platform actions; Args is the raw JSON
// argument object.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// AgentName returns the agent part of an "agent--action" tool name,
// or "" when the name carries no agent qualifier.
func (tc ToolCall) AgentName() string {
	if i := strings.Index(tc.Name, "--"); i >= 0 {
		return tc.Name[:i]
	}
	return ""
}

// ActionName returns the action part of an "agent--action" tool name,
// or the whole name when unqualified.
func (tc ToolCall) ActionName() string {
	if i := strings.Index(tc.Name, "--"); i >= 0 {
		return tc.Name[i+2:]
	}
	return tc.Name
}

// ToolResult is the outcome of one executed tool call. Exactly one of
// Content and Error is meaningful: invocation failures are captured here
// as data, never propagated as Go errors.
type ToolResult struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Failed reports whether the call produced an error instead of a payload.
func (r ToolResult) Failed() bool { return r.Error != "" }

// Text renders the result for inclusion in model context.
func (r ToolResult) Text() string {
	if r.Failed() {
		return "error: " + r.Error
	}
	return string(r.Content)
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}

// --- Plan types ---

// AgentTask is one planned unit of work: a task description assigned to a
// named agent, scheduled into a round. Tasks in the same round may run
// concurrently; a round only starts once every earlier round has finished.
type AgentTask struct {
	Agent     string   `json:"agent_name"`
	Task      string   `json:"task"`
	Round     int      `json:"round"`
	DependsOn []string `json:"dependencies,omitempty"`
}

// ExecutionPlan is the planner's structured output: reasoning, an ordered
// task list, and an optional follow-up question that short-circuits
// execution entirely when the request is under-specified.
type ExecutionPlan struct {
	Thinking      string      `json:"thinking"`
	Tasks         []AgentTask `json:"tasks"`
	NeedsFollowUp bool        `json:"needs_follow_up"`
	FollowUp      string      `json:"follow_up_question,omitempty"`
}

// Rounds returns the distinct round numbers present in the plan, ascending.
func (p ExecutionPlan) Rounds() []int {
	seen := map[int]bool{}
	var rounds []int
	for _, t := range p.Tasks {
		if !seen[t.Round] {
			seen[t.Round] = true
			rounds = append(rounds, t.Round)
		}
	}
	for i := 1; i < len(rounds); i++ {
		for j := i; j > 0 && rounds[j] < rounds[j-1]; j-- {
			rounds[j], rounds[j-1] = rounds[j-1], rounds[j]
		}
	}
	return rounds
}

// AgentResult is the outcome of one executed agent task: the agent's
// textual summary plus every tool call it issued and the matching results.
type AgentResult struct {
	Agent   string       `json:"agent_name"`
	Task    string       `json:"task"`
	Output  string       `json:"output"`
	Calls   []ToolCall   `json:"tool_calls,omitempty"`
	Results []ToolResult `json:"tool_results,omitempty"`
	Usage   Usage        `json:"usage"`
}

// ContextText renders the result as context for a dependent task.
func (r AgentResult) ContextText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %q was given the task: %s\n", r.Agent, r.Task)
	for i, tr := range r.Results {
		fmt.Fprintf(&b, "- call %s(%s) -> %s\n", tr.Name, argsOf(r.Calls, i), tr.Text())
	}
	if r.Output != "" {
		b.WriteString("Result: " + r.Output)
	}
	return b.String()
}

func argsOf(calls []ToolCall, i int) string {
	if i < len(calls) {
		return string(calls[i].Args)
	}
	return ""
}

// Verdict is the two-valued outcome of an evaluation.
type Verdict string

const (
	VerdictReiterate Verdict = "REITERATE"
	VerdictFinished  Verdict = "FINISHED"
)

// IterationAdvice is the advisor's structured guidance after an execution
// pass was judged incomplete.
type IterationAdvice struct {
	Issues           []string `json:"issues,omitempty"`
	Steps            []string `json:"improvement_steps,omitempty"`
	ContextSummary   string   `json:"context_summary,omitempty"`
	ShouldRetry      bool     `json:"should_retry"`
	NeedsFollowUp    bool     `json:"needs_follow_up"`
	FollowUpQuestion string   `json:"follow_up_question,omitempty"`
}

// Reply is what one engine run hands back to the caller. When FollowUp is
// non-empty the engine stopped before execution and the caller must relay
// the question to the user.
type Reply struct {
	Content  string        `json:"content"`
	FollowUp string        `json:"follow_up,omitempty"`
	Results  []AgentResult `json:"results,omitempty"`
	Usage    Usage         `json:"usage"`
}
