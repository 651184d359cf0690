package dirigent

import (
	"context"
	"fmt"
	"log/slog"
)

// maxPlannerHistory bounds how many recent session messages are replayed
// to the planner as conversation context.
const maxPlannerHistory = 6

// planner turns a request into an ExecutionPlan by delegating plan
// generation to a schema-constrained model call. The planner owns what the
// model cannot be trusted with: validating the structured output, mapping
// hallucinated agent names back onto the catalog, and defaulting rounds.
type planner struct {
	completer   Completer
	model       string
	temperature *float64
	dir         *AgentDirectory
	logger      *slog.Logger
}

func (p *planner) plan(ctx context.Context, request string, history []ChatMessage) (ExecutionPlan, error) {
	messages := trimHistory(history, maxPlannerHistory)
	messages = append(messages, UserMessage(request))

	resp, err := p.completer.Complete(ctx, CompletionRequest{
		Model:       p.model,
		System:      plannerPrompt(p.dir),
		Messages:    messages,
		Temperature: p.temperature,
		Schema:      planSchema,
	})
	if err != nil {
		return ExecutionPlan{}, err
	}

	var plan ExecutionPlan
	if err := decodeStructured(resp.Content, &plan); err != nil {
		return ExecutionPlan{}, err
	}
	if len(plan.Tasks) == 0 && !plan.NeedsFollowUp {
		return ExecutionPlan{}, &SchemaError{Detail: "plan contains no tasks", Raw: resp.Content}
	}
	p.normalize(&plan)
	p.logger.Debug("plan generated", "tasks", len(plan.Tasks), "rounds", len(plan.Rounds()), "follow_up", plan.NeedsFollowUp)
	return plan, nil
}

// planForAgent produces a nested sub-plan scoped to a single agent's tool
// set. Every resulting task targets that agent; the orchestrating round
// machinery is reused unchanged.
func (p *planner) planForAgent(ctx context.Context, agent, task string, tools []ToolDefinition) (ExecutionPlan, error) {
	resp, err := p.completer.Complete(ctx, CompletionRequest{
		Model:       p.model,
		System:      agentPlannerPrompt(agent, tools),
		Messages:    []ChatMessage{UserMessage(task)},
		Temperature: p.temperature,
		Schema:      planSchema,
	})
	if err != nil {
		return ExecutionPlan{}, err
	}
	var plan ExecutionPlan
	if err := decodeStructured(resp.Content, &plan); err != nil {
		return ExecutionPlan{}, err
	}
	for i := range plan.Tasks {
		plan.Tasks[i].Agent = agent
		if plan.Tasks[i].Round < 1 {
			plan.Tasks[i].Round = 1
		}
	}
	return plan, nil
}

// normalize repairs model-authored sloppiness: missing rounds default to 1
// and unknown agent names fall back to the general agent with the task
// text rewritten so the mismatch stays visible downstream.
func (p *planner) normalize(plan *ExecutionPlan) {
	for i := range plan.Tasks {
		t := &plan.Tasks[i]
		if t.Round < 1 {
			t.Round = 1
		}
		if canonical, ok := p.dir.Resolve(t.Agent); ok {
			t.Agent = canonical
			continue
		}
		p.logger.Warn("plan names unknown agent, falling back", "agent", t.Agent)
		t.Task = fmt.Sprintf(
			"The following task was assigned to %q, but no such agent exists. "+
				"Explain which capabilities are actually available and how they relate to it. "+
				"Original task: %s", t.Agent, t.Task)
		t.Agent = GeneralAgentName
	}
}

// trimHistory keeps the most recent n messages.
func trimHistory(history []ChatMessage, n int) []ChatMessage {
	if len(history) <= n {
		return append([]ChatMessage(nil), history...)
	}
	return append([]ChatMessage(nil), history[len(history)-n:]...)
}
