package dirigent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Credentials is a username/password pair for a container login.
type Credentials struct {
	Username string
	Password string
}

// CredentialSource supplies credentials for a container when a tool call
// runs into an authorization wall. Implementations bridge to the actual
// exchange with the user (UI prompt, config lookup, secret store) and
// must block until credentials are available or ctx is cancelled.
type CredentialSource interface {
	Credentials(ctx context.Context, containerID, displayName string) (Credentials, error)
}

// CredentialFunc adapts a plain function to a CredentialSource.
type CredentialFunc func(ctx context.Context, containerID, displayName string) (Credentials, error)

func (f CredentialFunc) Credentials(ctx context.Context, containerID, displayName string) (Credentials, error) {
	return f(ctx, containerID, displayName)
}

// LoginCoordinator guards the set of currently authorized containers for
// one session. All membership changes happen under a single mutex shared
// by every concurrent task of the session, which gives the exactly-once
// login guarantee under races: the first task through the lock logs in,
// later tasks see the membership and just retry their invocation.
//
// Every successful login arms a deferred logout timer. The timer is
// self-cancelling: when it fires it re-checks membership under the lock,
// so a manual or earlier logout makes the firing a no-op.
type LoginCoordinator struct {
	inv         Invoker
	creds       CredentialSource
	logoutAfter time.Duration
	logger      *slog.Logger

	mu         sync.Mutex
	authorized map[string]time.Time // containerID -> logout deadline
}

// CoordinatorOption configures a LoginCoordinator.
type CoordinatorOption func(*LoginCoordinator)

// LogoutAfter sets how long a container stays authorized after login
// before the deferred logout fires (default: 10m).
func LogoutAfter(d time.Duration) CoordinatorOption {
	return func(c *LoginCoordinator) { c.logoutAfter = d }
}

// CoordinatorLogger sets the structured logger for login/logout events.
func CoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *LoginCoordinator) { c.logger = l }
}

// NewLoginCoordinator creates a coordinator over the given platform
// invoker and credential source. creds may be nil, in which case
// authorization-required failures surface as tool-call errors without a
// login attempt.
func NewLoginCoordinator(inv Invoker, creds CredentialSource, opts ...CoordinatorOption) *LoginCoordinator {
	c := &LoginCoordinator{
		inv:         inv,
		creds:       creds,
		logoutAfter: 10 * time.Minute,
		authorized:  map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	return c
}

// Invoke executes one tool call, transparently handling the container
// login protocol. Failures of any kind are captured in the result, never
// returned as errors, so the surrounding round keeps processing its other
// tool calls.
func (c *LoginCoordinator) Invoke(ctx context.Context, call ToolCall) ToolResult {
	res := ToolResult{ID: call.ID, Name: call.Name}

	var params map[string]any
	if len(call.Args) > 0 {
		if err := json.Unmarshal(call.Args, &params); err != nil {
			res.Error = "invalid arguments: " + err.Error()
			return res
		}
	}

	payload, err := c.inv.Invoke(ctx, call.ActionName(), call.AgentName(), params)
	if err == nil {
		res.Content = payload
		return res
	}
	if !isAuthError(err) {
		res.Error = err.Error()
		return res
	}

	if lerr := c.ensureLogin(ctx, call); lerr != nil {
		res.Error = "login required but failed: " + lerr.Error()
		return res
	}

	// Retry the original invocation exactly once. A second failure
	// surfaces as the result; the protocol never loops.
	payload, err = c.inv.Invoke(ctx, call.ActionName(), call.AgentName(), params)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Content = payload
	return res
}

// ensureLogin logs into the container behind call, unless another task
// already did so while we were waiting for the lock.
func (c *LoginCoordinator) ensureLogin(ctx context.Context, call ToolCall) error {
	id, displayName, err := c.inv.MostLikelyContainer(ctx, call.AgentName(), call.ActionName())
	if err != nil {
		return err
	}
	if c.creds == nil {
		return errors.New("no credential source configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.authorized[id]; ok {
		// A concurrent task completed the login while we waited.
		return nil
	}

	cr, err := c.creds.Credentials(ctx, id, displayName)
	if err != nil {
		return err
	}
	if err := c.inv.ContainerLogin(ctx, id, cr.Username, cr.Password); err != nil {
		return err
	}
	c.addLocked(id, time.Now().Add(c.logoutAfter))
	c.logger.Info("container login", "container", id, "name", displayName, "logout_after", c.logoutAfter)
	return nil
}

// addLocked records the authorization and arms its deferred logout.
// Caller must hold c.mu.
func (c *LoginCoordinator) addLocked(id string, deadline time.Time) {
	c.authorized[id] = deadline
	go c.deferLogout(id, time.Until(deadline))
}

// deferLogout sleeps, then logs the container out if it is still
// authorized. Runs detached from any request: deferred revocation must
// outlive the call that triggered the login.
func (c *LoginCoordinator) deferLogout(id string, d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, ok := c.authorized[id]
	if !ok || time.Now().Before(deadline) {
		// Already logged out, or the deadline moved (re-armed login).
		return
	}
	delete(c.authorized, id)
	if err := c.inv.ContainerLogout(context.Background(), id); err != nil {
		c.logger.Warn("deferred logout failed", "container", id, "error", err)
		return
	}
	c.logger.Info("deferred logout", "container", id)
}

// Logout revokes one container's authorization immediately. Unknown ids
// are a no-op.
func (c *LoginCoordinator) Logout(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.authorized[id]; !ok {
		return nil
	}
	delete(c.authorized, id)
	return c.inv.ContainerLogout(ctx, id)
}

// LogoutAll revokes every authorization, e.g. on session teardown.
// The first logout error is returned; remaining containers are still
// attempted.
func (c *LoginCoordinator) LogoutAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for id := range c.authorized {
		delete(c.authorized, id)
		if err := c.inv.ContainerLogout(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Snapshot returns the authorized containers and their logout deadlines,
// for session persistence.
func (c *LoginCoordinator) Snapshot() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]time.Time, len(c.authorized))
	for id, t := range c.authorized {
		out[id] = t
	}
	return out
}

// Rearm restores a persisted authorization and schedules its deferred
// logout for the original deadline. Deadlines already in the past fire
// immediately. Used on process restart.
func (c *LoginCoordinator) Rearm(id string, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.authorized[id]; ok {
		return
	}
	c.addLocked(id, deadline)
}

// isAuthError reports whether err looks like a missing-authorization
// failure: HTTP 401/403, or an error body carrying an authorization-cause
// marker. The body markers are heuristic and can both over- and
// under-trigger on free-text errors; keep the whole classification here
// so it can be tightened without touching the invocation flow.
func isAuthError(err error) bool {
	var e *ErrHTTP
	if !errors.As(err, &e) {
		return false
	}
	if e.Status == 401 || e.Status == 403 {
		return true
	}
	body := strings.ToLower(e.Body)
	for _, marker := range []string{"credentials", "unauthorized", "forbidden", "401", "403"} {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// compile-time check
var _ InvokeFunc = (*LoginCoordinator)(nil).Invoke
