package dirigent

import (
	"context"
	"encoding/json"
	"sync"
)

// fakeCompleter routes every model call through a test-supplied respond
// function and records the requests it saw.
type fakeCompleter struct {
	name    string
	respond func(req CompletionRequest) (Completion, error)

	mu    sync.Mutex
	calls []CompletionRequest
}

func (f *fakeCompleter) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeCompleter) Complete(_ context.Context, req CompletionRequest) (Completion, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCompleter) countWhere(pred func(CompletionRequest) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if pred(c) {
			n++
		}
	}
	return n
}

// isPlanRequest matches planner calls (top-level and nested).
func isPlanRequest(req CompletionRequest) bool {
	return req.Schema != nil && req.Schema.Name == "execution_plan"
}

// isAdviceRequest matches advisor calls.
func isAdviceRequest(req CompletionRequest) bool {
	return req.Schema != nil && req.Schema.Name == "iteration_advice"
}

// isVerdictRequest matches evaluator calls (choice-constrained).
func isVerdictRequest(req CompletionRequest) bool {
	return len(req.Choices) > 0
}

// isWorkerRequest matches tool-forced worker calls.
func isWorkerRequest(req CompletionRequest) bool {
	return req.ToolChoice == ToolChoiceRequired
}

// jsonCompletion renders v as the model's structured reply.
func jsonCompletion(v any) Completion {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return Completion{Content: string(b)}
}

// fakeInvoker implements Invoker with overridable behavior per method.
// The zero value succeeds everywhere with a constant payload.
type fakeInvoker struct {
	invokeFn    func(ctx context.Context, action, agent string, params map[string]any) (json.RawMessage, error)
	loginFn     func(ctx context.Context, containerID, username, password string) error
	logoutFn    func(ctx context.Context, containerID string) error
	containerFn func(ctx context.Context, agent, action string) (string, string, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, action, agent string, params map[string]any) (json.RawMessage, error) {
	if f.invokeFn != nil {
		return f.invokeFn(ctx, action, agent, params)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeInvoker) ContainerLogin(ctx context.Context, containerID, username, password string) error {
	if f.loginFn != nil {
		return f.loginFn(ctx, containerID, username, password)
	}
	return nil
}

func (f *fakeInvoker) ContainerLogout(ctx context.Context, containerID string) error {
	if f.logoutFn != nil {
		return f.logoutFn(ctx, containerID)
	}
	return nil
}

func (f *fakeInvoker) MostLikelyContainer(ctx context.Context, agent, action string) (string, string, error) {
	if f.containerFn != nil {
		return f.containerFn(ctx, agent, action)
	}
	return "container-1", "Container One", nil
}

// memBackend is an in-memory Backend for store tests.
type memBackend struct {
	mu   sync.Mutex
	recs map[string]SessionRecord
}

func newMemBackend() *memBackend {
	return &memBackend{recs: map[string]SessionRecord{}}
}

func (m *memBackend) Save(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = rec
	return nil
}

func (m *memBackend) Load(_ context.Context, id string) (SessionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	return rec, ok, nil
}

func (m *memBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *memBackend) IDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.recs))
	for id := range m.recs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memBackend) Close() error { return nil }

// testDirectory builds a small agent catalog used across engine tests.
func testDirectory() *AgentDirectory {
	dir := NewAgentDirectory()
	objSchema := json.RawMessage(`{"type":"object","properties":{"room":{"type":"string"}}}`)
	dir.Add("RoomAgent", "Reads and controls room sensors.", []ToolDefinition{
		{Name: "RoomAgent--GetTemperature", Description: "Read a room's temperature", Parameters: objSchema},
		{Name: "RoomAgent--SetTemperature", Description: "Set a room's target temperature", Parameters: objSchema},
	})
	dir.Add("DeskAgent", "Books desks.", []ToolDefinition{
		{Name: "DeskAgent--BookDesk", Description: "Reserve a desk", Parameters: objSchema},
	})
	dir.Add(GeneralAgentName, "Answers questions about available capabilities.", nil)
	return dir
}

// okInvoke is an InvokeFunc that always succeeds.
func okInvoke(_ context.Context, call ToolCall) ToolResult {
	return ToolResult{ID: call.ID, Name: call.Name, Content: json.RawMessage(`"21.5"`)}
}
