package dirigent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// worker executes one task for one agent: a single model call with the
// agent's tools and tool choice forced to "required" (a worker answers
// with tool calls, never free text), then concurrent dispatch of every
// call the model decided on. Model failures are absorbed into the result
// output so the round keeps going.
type worker struct {
	completer   Completer
	model       string
	temperature *float64
	invoke      InvokeFunc
	logger      *slog.Logger
}

func (w *worker) executeTask(ctx context.Context, agent, summary, task string, tools []ToolDefinition) AgentResult {
	res := AgentResult{Agent: agent, Task: task}

	resp, err := w.completer.Complete(ctx, CompletionRequest{
		Model:       w.model,
		System:      workerPrompt(agent, summary),
		Messages:    []ChatMessage{UserMessage(task)},
		Tools:       tools,
		ToolChoice:  ToolChoiceRequired,
		Temperature: w.temperature,
	})
	res.Usage = resp.Usage
	if err != nil {
		w.logger.Warn("worker model call failed", "agent", agent, "error", err)
		res.Output = "error: " + err.Error()
		return res
	}
	if len(resp.ToolCalls) == 0 {
		res.Output = "error: the agent produced no tool calls for this task"
		return res
	}

	calls := make([]ToolCall, len(resp.ToolCalls))
	copy(calls, resp.ToolCalls)
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = NewID()
		}
	}
	res.Calls = calls
	res.Results = dispatchCalls(ctx, calls, w.invoke)
	res.Output = renderExecution(task, calls, res.Results)
	return res
}

// renderExecution summarizes an executed task for evaluation and context
// injection into later rounds.
func renderExecution(task string, calls []ToolCall, results []ToolResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Executed task: %s\n", task)
	for i, tr := range results {
		fmt.Fprintf(&b, "- %s(%s) -> %s\n", tr.Name, argsOf(calls, i), tr.Text())
	}
	return strings.TrimSpace(b.String())
}

// capabilitiesResult is the general agent's constant-time fast path: a
// precomputed capability overview shaped like a normal tool-backed result
// (synthetic GetCapabilities call) so downstream consumers need no special
// casing. No model call, no platform call.
func capabilitiesResult(task string, dir *AgentDirectory) AgentResult {
	overview := dir.Overview()
	content, _ := json.Marshal(overview)
	call := ToolCall{ID: NewID(), Name: "GetCapabilities", Args: json.RawMessage(`{}`)}
	return AgentResult{
		Agent:   GeneralAgentName,
		Task:    task,
		Output:  "Here is an overview of the available agents and their actions:\n\n" + overview,
		Calls:   []ToolCall{call},
		Results: []ToolResult{{ID: call.ID, Name: call.Name, Content: content}},
	}
}

// maxParallelInvoke caps concurrent tool-call goroutines so a large round
// cannot overwhelm the platform with unbounded parallelism.
const maxParallelInvoke = 10

// indexedToolResult pairs a result with its position in the original call
// slice, allowing channel-based collection in order.
type indexedToolResult struct {
	idx    int
	result ToolResult
}

// dispatchCalls runs all tool calls concurrently via invoke and returns
// results in the same order as the input calls.
// Single calls run inline (no goroutine). Multiple calls use a fixed
// worker pool of min(len(calls), maxParallelInvoke) goroutines pulling
// from a shared work channel.
//
// The collection loop is context-aware: if ctx is cancelled while calls
// are still in flight, incomplete calls get context-error results instead
// of blocking indefinitely.
func dispatchCalls(ctx context.Context, calls []ToolCall, invoke InvokeFunc) []ToolResult {
	if len(calls) == 1 {
		return []ToolResult{invoke(ctx, calls[0])}
	}

	resultCh := make(chan indexedToolResult, len(calls))

	type workItem struct {
		idx  int
		call ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, call: tc}
	}
	close(workCh)

	numWorkers := min(len(calls), maxParallelInvoke)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedToolResult{w.idx, ToolResult{ID: w.call.ID, Name: w.call.Name, Error: ctx.Err().Error()}}
					continue
				}
				resultCh <- indexedToolResult{w.idx, invoke(ctx, w.call)}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]ToolResult, len(calls))
	seen := make([]bool, len(calls))
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break
			}
			results[r.idx] = r.result
			seen[r.idx] = true
		case <-ctx.Done():
			for i := range results {
				if !seen[i] {
					results[i] = ToolResult{ID: calls[i].ID, Name: calls[i].Name, Error: ctx.Err().Error()}
				}
			}
			return results
		}
	}
	return results
}
