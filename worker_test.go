package dirigent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestExecuteTaskRunsToolCalls(t *testing.T) {
	fc := &fakeCompleter{respond: func(req CompletionRequest) (Completion, error) {
		if req.ToolChoice != ToolChoiceRequired {
			t.Errorf("tool choice = %q, want required", req.ToolChoice)
		}
		return Completion{ToolCalls: []ToolCall{
			{Name: "RoomAgent--GetTemperature", Args: json.RawMessage(`{"room":"kitchen"}`)},
		}}, nil
	}}
	w := &worker{completer: fc, model: "m", invoke: okInvoke, logger: nopLogger}

	res := w.executeTask(context.Background(), "RoomAgent", "reads sensors", "read the kitchen", nil)
	if len(res.Calls) != 1 || len(res.Results) != 1 {
		t.Fatalf("calls/results = %d/%d", len(res.Calls), len(res.Results))
	}
	if res.Calls[0].ID == "" {
		t.Error("missing call id not filled in")
	}
	if !strings.Contains(res.Output, "Executed task: read the kitchen") {
		t.Errorf("output = %q", res.Output)
	}
	if !strings.Contains(res.Output, "21.5") {
		t.Errorf("output missing tool result: %q", res.Output)
	}
}

func TestExecuteTaskModelFailure(t *testing.T) {
	fc := &fakeCompleter{respond: func(CompletionRequest) (Completion, error) {
		return Completion{}, errors.New("model down")
	}}
	w := &worker{completer: fc, model: "m", invoke: okInvoke, logger: nopLogger}

	res := w.executeTask(context.Background(), "RoomAgent", "", "read", nil)
	if !strings.HasPrefix(res.Output, "error:") {
		t.Errorf("output = %q, want absorbed error", res.Output)
	}
	if len(res.Calls) != 0 {
		t.Errorf("calls = %d, want none", len(res.Calls))
	}
}

func TestExecuteTaskNoToolCalls(t *testing.T) {
	fc := &fakeCompleter{respond: func(CompletionRequest) (Completion, error) {
		return Completion{Content: "I would rather chat"}, nil
	}}
	w := &worker{completer: fc, model: "m", invoke: okInvoke, logger: nopLogger}

	res := w.executeTask(context.Background(), "RoomAgent", "", "read", nil)
	if !strings.HasPrefix(res.Output, "error:") {
		t.Errorf("output = %q, want error for a text-only answer", res.Output)
	}
}

func TestDispatchCallsPreservesOrder(t *testing.T) {
	calls := make([]ToolCall, 8)
	for i := range calls {
		calls[i] = ToolCall{ID: string(rune('a' + i)), Name: "n", Args: json.RawMessage(`{}`)}
	}
	invoke := func(_ context.Context, call ToolCall) ToolResult {
		time.Sleep(time.Duration(len(call.ID)) * time.Millisecond)
		return ToolResult{ID: call.ID, Name: call.Name}
	}
	results := dispatchCalls(context.Background(), calls, invoke)
	if len(results) != len(calls) {
		t.Fatalf("results = %d", len(results))
	}
	for i := range calls {
		if results[i].ID != calls[i].ID {
			t.Errorf("results[%d].ID = %q, want %q", i, results[i].ID, calls[i].ID)
		}
	}
}

func TestDispatchCallsConcurrent(t *testing.T) {
	const n = 5
	calls := make([]ToolCall, n)
	for i := range calls {
		calls[i] = ToolCall{ID: "id", Name: "n"}
	}
	var barrier sync.WaitGroup
	barrier.Add(n)
	invoke := func(_ context.Context, call ToolCall) ToolResult {
		barrier.Done()
		barrier.Wait()
		return ToolResult{ID: call.ID}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		dispatchCalls(context.Background(), calls, invoke)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tool calls did not run concurrently")
	}
}

func TestDispatchCallsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := []ToolCall{
		{ID: "1", Name: "a"},
		{ID: "2", Name: "b"},
	}
	invoke := func(ctx context.Context, call ToolCall) ToolResult {
		return ToolResult{ID: call.ID, Name: call.Name, Content: json.RawMessage(`"ran"`)}
	}
	results := dispatchCalls(ctx, calls, invoke)
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	for i, r := range results {
		if !r.Failed() {
			t.Errorf("results[%d] should carry the context error, got %+v", i, r)
		}
	}
}

func TestCapabilitiesResult(t *testing.T) {
	dir := testDirectory()
	res := capabilitiesResult("what can you do?", dir)
	if res.Agent != GeneralAgentName {
		t.Errorf("agent = %q", res.Agent)
	}
	if !strings.Contains(res.Output, "RoomAgent--GetTemperature") {
		t.Errorf("output missing actions: %q", res.Output)
	}
	if len(res.Calls) != 1 || res.Calls[0].Name != "GetCapabilities" {
		t.Errorf("synthetic call = %+v", res.Calls)
	}
	if len(res.Results) != 1 || res.Results[0].ID != res.Calls[0].ID {
		t.Errorf("synthetic result not linked to its call: %+v", res.Results)
	}
}
