// Package platform is the HTTP client for the downstream action platform:
// authentication, the action catalog, action invocation, and the
// container credential protocol. It implements dirigent.Invoker.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dirigentlabs/dirigent"
)

// Agent is one catalog entry: a named grouping of actions.
type Agent struct {
	ID          string   `json:"agentId"`
	Description string   `json:"description,omitempty"`
	Actions     []Action `json:"actions"`
}

// Action is one invokable action of an agent.
type Action struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
}

// Container is a deployed provider hosting one or more agents.
type Container struct {
	ID     string  `json:"containerId"`
	Image  Image   `json:"image"`
	Agents []Agent `json:"agents"`
}

// Image carries the container's display metadata.
type Image struct {
	Name        string `json:"imageName"`
	DisplayName string `json:"name,omitempty"`
}

// Client talks to one platform deployment. Connect must succeed before
// any other call; the bearer token obtained there authenticates the rest.
type Client struct {
	http   *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	baseURL string
	token   string
	catalog []Agent
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client (10s timeout).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the structured logger for platform calls.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 10 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.New(discardHandler{})
	}
	return c
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Connect authenticates against the platform and fetches the catalog once
// to verify connectivity. Failures clear all connection state and return
// a *dirigent.ErrHTTP classified by status (404 unreachable/not found,
// 401/403 bad credentials); callers never see raw transport errors with a
// live token attached.
func (c *Client) Connect(ctx context.Context, baseURL, username, password string) error {
	baseURL = strings.TrimRight(baseURL, "/")
	c.mu.Lock()
	c.baseURL = baseURL
	c.token = ""
	c.catalog = nil
	c.mu.Unlock()

	if username != "" {
		token, err := c.login(ctx, username, password)
		if err != nil {
			c.reset()
			return err
		}
		c.mu.Lock()
		c.token = token
		c.mu.Unlock()
	}

	catalog, err := c.Actions(ctx)
	if err != nil {
		c.reset()
		return err
	}
	c.mu.Lock()
	c.catalog = catalog
	c.mu.Unlock()
	c.logger.Info("platform connected", "url", baseURL, "agents", len(catalog))
	return nil
}

func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.catalog = nil
}

// Connected reports whether the client holds a verified connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catalog != nil
}

// login exchanges credentials for a bearer token.
func (c *Client) login(ctx context.Context, username, password string) (string, error) {
	body, err := c.post(ctx, "/login", map[string]string{"username": username, "password": password})
	if err != nil {
		return "", err
	}
	// The platform returns the raw token, optionally quoted.
	return strings.Trim(strings.TrimSpace(string(body)), `"`), nil
}

// Actions fetches the catalog, grouped by providing agent.
func (c *Client) Actions(ctx context.Context) ([]Agent, error) {
	body, err := c.get(ctx, "/agents")
	if err != nil {
		return nil, err
	}
	var agents []Agent
	if err := json.Unmarshal(body, &agents); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return agents, nil
}

// ActionsOpenAPI fetches the catalog as an OpenAPI document. With
// inlineRefs set, local "#/..." schema references are resolved in place
// so the document is self-contained.
func (c *Client) ActionsOpenAPI(ctx context.Context, inlineRefs bool) (json.RawMessage, error) {
	body, err := c.get(ctx, "/v3/api-docs/actions")
	if err != nil {
		return nil, err
	}
	if !inlineRefs {
		return json.RawMessage(body), nil
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode openapi: %w", err)
	}
	inlined := resolveLocalRefs(doc, doc, 0)
	out, err := json.Marshal(inlined)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Invoke runs an action, optionally scoped to an agent. Non-2xx responses
// become *dirigent.ErrHTTP carrying status and raw body so the caller can
// tell authorization walls from other failures.
func (c *Client) Invoke(ctx context.Context, action, agent string, params map[string]any) (json.RawMessage, error) {
	path := "/invoke/" + url.PathEscape(action)
	if agent != "" {
		path += "/" + url.PathEscape(agent)
	}
	if params == nil {
		params = map[string]any{}
	}
	c.logger.Debug("invoking action", "action", action, "agent", agent)
	body, err := c.post(ctx, path, params)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// ContainerLogin performs the provider-scoped credential exchange.
func (c *Client) ContainerLogin(ctx context.Context, containerID, username, password string) error {
	_, err := c.post(ctx, "/containers/login/"+url.PathEscape(containerID),
		map[string]string{"username": username, "password": password})
	return err
}

// ContainerLogout revokes a prior ContainerLogin.
func (c *Client) ContainerLogout(ctx context.Context, containerID string) error {
	_, err := c.post(ctx, "/containers/logout/"+url.PathEscape(containerID), nil)
	return err
}

// Containers lists the deployed containers.
func (c *Client) Containers(ctx context.Context) ([]Container, error) {
	body, err := c.get(ctx, "/containers")
	if err != nil {
		return nil, err
	}
	var containers []Container
	if err := json.Unmarshal(body, &containers); err != nil {
		return nil, fmt.Errorf("decode containers: %w", err)
	}
	return containers, nil
}

// MostLikelyContainer reverse-looks-up which container provides the given
// agent/action pair, so the user can be told which provider needs
// credentials. Matches on agent id first, then on action name alone.
func (c *Client) MostLikelyContainer(ctx context.Context, agent, action string) (string, string, error) {
	containers, err := c.Containers(ctx)
	if err != nil {
		return "", "", err
	}
	var fallbackID, fallbackName string
	for _, cont := range containers {
		name := cont.Image.DisplayName
		if name == "" {
			name = cont.Image.Name
		}
		for _, a := range cont.Agents {
			if agent != "" && strings.EqualFold(a.ID, agent) {
				return cont.ID, name, nil
			}
			for _, act := range a.Actions {
				if strings.EqualFold(act.Name, action) && fallbackID == "" {
					fallbackID, fallbackName = cont.ID, name
				}
			}
		}
	}
	if fallbackID != "" {
		return fallbackID, fallbackName, nil
	}
	return "", "", fmt.Errorf("no container provides %s--%s", agent, action)
}

// --- HTTP plumbing ---

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	c.mu.Lock()
	baseURL, token := c.baseURL, c.token
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &dirigent.ErrHTTP{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// resolveLocalRefs replaces {"$ref": "#/a/b"} nodes with the referenced
// value from root. Depth-bounded against reference cycles.
func resolveLocalRefs(node any, root map[string]any, depth int) any {
	if depth > 20 {
		return node
	}
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok && len(v) == 1 && strings.HasPrefix(ref, "#/") {
			if target, ok := lookupPointer(root, ref[2:]); ok {
				return resolveLocalRefs(target, root, depth+1)
			}
			return v
		}
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = resolveLocalRefs(child, root, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = resolveLocalRefs(child, root, depth+1)
		}
		return out
	default:
		return node
	}
}

// lookupPointer walks a "/"-separated JSON pointer path from root.
func lookupPointer(root map[string]any, path string) (any, bool) {
	var cur any = root
	for _, part := range strings.Split(path, "/") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Directory builds the engine's agent catalog from the platform catalog:
// each agent's actions become "agent--action" tools, and the zero-latency
// general agent is registered last.
func Directory(agents []Agent) *dirigent.AgentDirectory {
	dir := dirigent.NewAgentDirectory()
	for _, a := range agents {
		tools := make([]dirigent.ToolDefinition, 0, len(a.Actions))
		for _, act := range a.Actions {
			params := act.Parameters
			if len(params) == 0 {
				params = json.RawMessage(`{"type":"object","properties":{}}`)
			}
			tools = append(tools, dirigent.ToolDefinition{
				Name:        a.ID + "--" + act.Name,
				Description: act.Description,
				Parameters:  params,
			})
		}
		dir.Add(a.ID, a.Description, tools)
	}
	dir.Add(dirigent.GeneralAgentName,
		"Answers questions about the available agents and their capabilities.", nil)
	return dir
}

// compile-time check
var _ dirigent.Invoker = (*Client)(nil)
