package dirigent

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// The deterministic pre-checks below run before any model call, to save
// latency and cost on the common failure shapes. The per-task and overall
// predicates are intentionally kept separate: only the overall one checks
// tool-call/tool-result parity, and the discrepancy is preserved rather
// than unified because overall evaluation is deliberately more
// conservative.

var (
	// serverErrPattern matches a bare 5xx status marker in result text.
	serverErrPattern = regexp.MustCompile(`\b5\d\d\b`)
	// placeholderPattern matches an unresolved <placeholder>-style token
	// in tool arguments.
	placeholderPattern = regexp.MustCompile(`<[A-Za-z_][A-Za-z0-9_ .-]*>`)
)

// taskNeedsRetry is the cheap per-task predicate: any tool result carrying
// an explicit error/failure marker, or — when more than one tool was
// called — any argument with an unresolved placeholder token.
func taskNeedsRetry(r AgentResult) bool {
	for _, tr := range r.Results {
		if failureMarker(tr.Text()) {
			return true
		}
	}
	if len(r.Calls) > 1 {
		for _, c := range r.Calls {
			if placeholderPattern.MatchString(string(c.Args)) {
				return true
			}
		}
	}
	return false
}

// overallNeedsRetry applies the per-task checks across all results and
// additionally flags any result whose declared tool calls and results are
// not 1:1 by name — an invocation that never completed.
func overallNeedsRetry(results []AgentResult) bool {
	for _, r := range results {
		if taskNeedsRetry(r) {
			return true
		}
		if len(r.Calls) != len(r.Results) {
			return true
		}
		for i := range r.Calls {
			if r.Calls[i].Name != r.Results[i].Name {
				return true
			}
		}
	}
	return false
}

func failureMarker(s string) bool {
	ls := strings.ToLower(s)
	return strings.Contains(ls, "error") ||
		strings.Contains(ls, "failed") ||
		serverErrPattern.MatchString(ls)
}

// taskEvaluator judges a single executed task: deterministic pre-check
// first, then a model call constrained to the two-value verdict. An
// evaluation failure never blocks progress — it counts as FINISHED.
type taskEvaluator struct {
	completer Completer
	model     string
	logger    *slog.Logger
}

func (ev *taskEvaluator) evaluate(ctx context.Context, task string, r AgentResult) Verdict {
	if taskNeedsRetry(r) {
		return VerdictReiterate
	}
	return ev.ask(ctx, taskEvalPrompt, evalPayload(task, []AgentResult{r}))
}

// overallEvaluator judges a whole execution pass against the original
// request.
type overallEvaluator struct {
	completer Completer
	model     string
	logger    *slog.Logger
}

func (ev *overallEvaluator) evaluate(ctx context.Context, request string, results []AgentResult) Verdict {
	if overallNeedsRetry(results) {
		return VerdictReiterate
	}
	e := &taskEvaluator{completer: ev.completer, model: ev.model, logger: ev.logger}
	return e.ask(ctx, overallEvalPrompt, evalPayload(request, results))
}

func (ev *taskEvaluator) ask(ctx context.Context, system, payload string) Verdict {
	resp, err := ev.completer.Complete(ctx, CompletionRequest{
		Model:    ev.model,
		System:   system,
		Messages: []ChatMessage{UserMessage(payload)},
		Choices:  []string{string(VerdictReiterate), string(VerdictFinished)},
	})
	if err != nil {
		ev.logger.Warn("evaluator call failed, treating as finished", "error", err)
		return VerdictFinished
	}
	return parseVerdict(resp.Content)
}

// parseVerdict maps model output onto the two-value verdict. Anything that
// is not recognizably REITERATE counts as FINISHED.
func parseVerdict(s string) Verdict {
	if strings.Contains(strings.ToUpper(s), string(VerdictReiterate)) {
		return VerdictReiterate
	}
	return VerdictFinished
}

// evalPayload renders the request and the result trace for an evaluator
// or advisor call.
func evalPayload(request string, results []AgentResult) string {
	trace, _ := json.MarshalIndent(results, "", "  ")
	return "Request: " + request + "\n\nExecution trace:\n" + string(trace)
}
