package dirigent

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestAdviseModelFailureVetoes(t *testing.T) {
	fc := &fakeCompleter{respond: func(CompletionRequest) (Completion, error) {
		return Completion{}, errors.New("model down")
	}}
	a := &advisor{completer: fc, model: "m", logger: nopLogger}
	advice := a.advise(context.Background(), "req", nil)
	if advice.ShouldRetry {
		t.Error("broken advisor must veto the retry")
	}
}

func TestAdviseInvalidJSONVetoes(t *testing.T) {
	fc := &fakeCompleter{respond: func(CompletionRequest) (Completion, error) {
		return Completion{Content: "sure, retry!"}, nil
	}}
	a := &advisor{completer: fc, model: "m", logger: nopLogger}
	if a.advise(context.Background(), "req", nil).ShouldRetry {
		t.Error("unparseable advice must veto the retry")
	}
}

func TestAdvisePassesThroughAdvice(t *testing.T) {
	fc := &fakeCompleter{respond: func(CompletionRequest) (Completion, error) {
		return jsonCompletion(IterationAdvice{
			ShouldRetry:    true,
			Issues:         []string{"room name missing"},
			Steps:          []string{"look up the room first"},
			ContextSummary: "only two of three rooms were read",
		}), nil
	}}
	a := &advisor{completer: fc, model: "m", logger: nopLogger}
	advice := a.advise(context.Background(), "req", nil)
	if !advice.ShouldRetry || len(advice.Issues) != 1 {
		t.Errorf("advice = %+v", advice)
	}
}

func TestRetryRequestFoldsAdvice(t *testing.T) {
	advice := IterationAdvice{
		ShouldRetry:    true,
		ContextSummary: "two of three rooms read",
		Issues:         []string{"bathroom 3 unreachable"},
		Steps:          []string{"retry bathroom 3 with its full name"},
	}
	got := retryRequest("read all bathrooms", advice)
	for _, want := range []string{
		"read all bathrooms",
		"two of three rooms read",
		"bathroom 3 unreachable",
		"retry bathroom 3 with its full name",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("retry request missing %q:\n%s", want, got)
		}
	}
}
