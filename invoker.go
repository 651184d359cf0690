package dirigent

import (
	"context"
	"encoding/json"
)

// Invoker executes named actions against the downstream action platform
// and speaks its container credential protocol. The platform package
// provides the HTTP implementation.
type Invoker interface {
	// Invoke runs an action, optionally scoped to a providing agent
	// (agent == "" lets the platform resolve ambiguity). Non-2xx
	// responses surface as *ErrHTTP so callers can classify them.
	Invoke(ctx context.Context, action, agent string, params map[string]any) (json.RawMessage, error)

	// ContainerLogin performs the provider-scoped credential exchange.
	ContainerLogin(ctx context.Context, containerID, username, password string) error

	// ContainerLogout revokes a prior ContainerLogin.
	ContainerLogout(ctx context.Context, containerID string) error

	// MostLikelyContainer reverse-looks-up which container provides the
	// given agent/action pair, so the user can be told which provider
	// needs credentials. Best effort.
	MostLikelyContainer(ctx context.Context, agent, action string) (id, displayName string, err error)
}

// InvokeFunc executes a single tool call and captures the outcome as data.
// Implementations never return a Go error: failures land in
// ToolResult.Error so evaluation and synthesis can reason about them.
type InvokeFunc func(ctx context.Context, call ToolCall) ToolResult
