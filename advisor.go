package dirigent

import (
	"context"
	"log/slog"
)

// advisor produces the structured retry brief after the overall evaluator
// said REITERATE. It holds the final veto: ShouldRetry false sends the
// loop straight to synthesis, and NeedsFollowUp is a hard early exit that
// returns the question to the user. Any advisor failure vetoes the retry.
type advisor struct {
	completer Completer
	model     string
	logger    *slog.Logger
}

func (a *advisor) advise(ctx context.Context, request string, results []AgentResult) IterationAdvice {
	resp, err := a.completer.Complete(ctx, CompletionRequest{
		Model:    a.model,
		System:   advisorPrompt,
		Messages: []ChatMessage{UserMessage(evalPayload(request, results))},
		Schema:   adviceSchema,
	})
	if err != nil {
		a.logger.Warn("advisor call failed, skipping retry", "error", err)
		return IterationAdvice{ShouldRetry: false}
	}
	var advice IterationAdvice
	if err := decodeStructured(resp.Content, &advice); err != nil {
		a.logger.Warn("advisor returned invalid advice, skipping retry", "error", err)
		return IterationAdvice{ShouldRetry: false}
	}
	return advice
}

// retryRequest folds the advisor's brief into the next attempt's request
// text.
func retryRequest(request string, advice IterationAdvice) string {
	text := request + "\n\nA previous attempt did not fully resolve this request."
	if advice.ContextSummary != "" {
		text += "\nWhat happened so far: " + advice.ContextSummary
	}
	if len(advice.Issues) > 0 {
		text += "\nOutstanding issues:"
		for _, issue := range advice.Issues {
			text += "\n- " + issue
		}
	}
	if len(advice.Steps) > 0 {
		text += "\nAddress them as follows:"
		for _, step := range advice.Steps {
			text += "\n- " + step
		}
	}
	return text
}
