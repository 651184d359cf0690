package dirigent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// planSchema constrains the planner's structured output.
var planSchema = &ResponseSchema{
	Name: "execution_plan",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"thinking": {"type": "string"},
			"tasks": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"agent_name": {"type": "string"},
						"task": {"type": "string"},
						"round": {"type": "integer", "minimum": 1},
						"dependencies": {"type": "array", "items": {"type": "string"}}
					},
					"required": ["agent_name", "task", "round"]
				}
			},
			"needs_follow_up": {"type": "boolean"},
			"follow_up_question": {"type": "string"}
		},
		"required": ["tasks", "needs_follow_up"]
	}`),
}

// adviceSchema constrains the iteration advisor's structured output.
var adviceSchema = &ResponseSchema{
	Name: "iteration_advice",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"issues": {"type": "array", "items": {"type": "string"}},
			"improvement_steps": {"type": "array", "items": {"type": "string"}},
			"context_summary": {"type": "string"},
			"should_retry": {"type": "boolean"},
			"needs_follow_up": {"type": "boolean"},
			"follow_up_question": {"type": "string"}
		},
		"required": ["should_retry", "needs_follow_up"]
	}`),
}

func plannerPrompt(dir *AgentDirectory) string {
	return fmt.Sprintf(`You decompose a user request into tasks for the agents listed below.

Rules:
- Each task must be assigned to exactly one agent from the list, by name.
- Each task description must be fully self-contained: the executing agent sees only that text plus the results of its declared dependencies.
- Tasks that can run independently share a round. A task that needs another task's output goes in a later round and lists that task's agent in its dependencies.
- Round numbers start at 1 and later rounds run only after earlier ones finish.
- If the request is too vague to plan, set needs_follow_up and ask one clarifying question instead of producing tasks.
- Never invent agents or actions.

Available agents:

%s`, dir.Overview())
}

func agentPlannerPrompt(agent string, tools []ToolDefinition) string {
	var b strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return fmt.Sprintf(`You break one task for the agent %q into smaller steps, each solvable with the actions below.

Rules:
- Each step must be self-contained and solvable with a single action call or a few calls.
- Independent steps share a round; a step needing an earlier step's output goes in a later round.
- Keep the plan as small as possible. One step is fine.

Available actions:
%s`, agent, b.String())
}

func workerPrompt(agent, summary string) string {
	p := fmt.Sprintf(`You are the agent %q executing exactly one task by calling your available tools.

Rules:
- Respond with tool calls only, never free text.
- Fill every argument with a concrete value. Never leave <placeholder> tokens in arguments.
- If the task text includes results from earlier tasks, use those values directly.`, agent)
	if summary != "" {
		p += "\n\nYour capabilities: " + summary
	}
	return p
}

const taskEvalPrompt = `You judge whether one executed task achieved its goal, based on its tool results.

Answer REITERATE if the results show the task is incomplete or went wrong and another attempt could fix it. Answer FINISHED otherwise. Answer with exactly one word.`

const overallEvalPrompt = `You judge whether an executed plan fully resolved the user's request, based on the complete execution trace.

Answer REITERATE if something material is missing or wrong and another planning round could fix it. Answer FINISHED otherwise. Answer with exactly one word.`

const advisorPrompt = `A request was executed but judged incomplete. Review the trace and produce structured advice for the next attempt.

- List the concrete issues and the improvement steps that would fix them.
- Summarize what already happened in context_summary so the next attempt does not redo it.
- Set should_retry false if another attempt cannot plausibly do better (missing capability, repeated identical failure).
- Set needs_follow_up and a follow_up_question only if the user must supply missing information.`

const synthesizerPrompt = `Write the final reply to the user's request from the execution trace.

- Report what was done and the concrete outcomes, including any values retrieved.
- Mention failures honestly and plainly.
- Do not mention agents, tools, rounds, or any internal machinery.`
