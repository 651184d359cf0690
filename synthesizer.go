package dirigent

import (
	"context"
	"log/slog"
	"strings"
)

// synthesizer turns the full result trace into the final user-facing
// text. With no results at all (budget exhausted before anything ran) it
// returns a generic unable-to-fulfill message; a model failure degrades
// to concatenating the raw task outputs rather than aborting the request.
type synthesizer struct {
	completer Completer
	model     string
	logger    *slog.Logger
}

const noResultsMessage = "I was unable to fulfill this request. Please try rephrasing it or breaking it into smaller steps."

func (s *synthesizer) synthesize(ctx context.Context, request string, results []AgentResult) string {
	if len(results) == 0 {
		return noResultsMessage
	}
	resp, err := s.completer.Complete(ctx, CompletionRequest{
		Model:    s.model,
		System:   synthesizerPrompt,
		Messages: []ChatMessage{UserMessage(evalPayload(request, results))},
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		s.logger.Warn("synthesis call failed, returning raw outputs", "error", err)
		var parts []string
		for _, r := range results {
			parts = append(parts, r.Output)
		}
		return strings.Join(parts, "\n\n")
	}
	return resp.Content
}
