package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dirigentlabs/dirigent"
)

// newTestServer builds a platform stub with a login endpoint and a small
// catalog, recording bearer tokens and invocation bodies.
func newTestServer(t *testing.T) (*httptest.Server, *serverState) {
	t.Helper()
	st := &serverState{invokeStatus: http.StatusOK, invokeBody: `"21.5"`}
	mux := http.NewServeMux()

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "admin" || creds["password"] != "secret" {
			http.Error(w, "wrong credentials", http.StatusUnauthorized)
			return
		}
		// Token arrives quoted, as the platform serves it.
		w.Write([]byte(`"token-123"`))
	})
	mux.HandleFunc("/agents", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		st.lastAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]Agent{
			{ID: "RoomAgent", Description: "rooms", Actions: []Action{
				{Name: "GetTemperature", Description: "read a sensor"},
			}},
		})
	})
	mux.HandleFunc("/invoke/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		st.lastAuth = r.Header.Get("Authorization")
		st.lastInvokePath = r.URL.Path
		var params map[string]any
		_ = json.NewDecoder(r.Body).Decode(&params)
		st.lastParams = params
		if st.invokeStatus != http.StatusOK {
			http.Error(w, st.invokeBody, st.invokeStatus)
			return
		}
		w.Write([]byte(st.invokeBody))
	})
	mux.HandleFunc("/containers/login/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		st.containerLogins++
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/containers/logout/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		st.containerLogouts++
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/containers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		json.NewEncoder(w).Encode([]Container{
			{
				ID:    "cont-1",
				Image: Image{Name: "ghcr.io/x/rooms", DisplayName: "Smart Rooms"},
				Agents: []Agent{
					{ID: "RoomAgent", Actions: []Action{{Name: "GetTemperature"}}},
				},
			},
			{
				ID:    "cont-2",
				Image: Image{Name: "ghcr.io/x/desks"},
				Agents: []Agent{
					{ID: "DeskAgent", Actions: []Action{{Name: "BookDesk"}}},
				},
			},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st
}

type serverState struct {
	lastAuth         string
	lastInvokePath   string
	lastParams       map[string]any
	invokeStatus     int
	invokeBody       string
	containerLogins  int
	containerLogouts int
}

func TestConnect(t *testing.T) {
	srv, st := newTestServer(t)
	c := New()

	if err := c.Connect(context.Background(), srv.URL+"/", "admin", "secret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.Connected() {
		t.Error("Connected() = false after successful connect")
	}
	// The quoted token must be unquoted before use.
	if st.lastAuth != "Bearer token-123" {
		t.Errorf("auth header = %q", st.lastAuth)
	}
}

func TestConnectBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t)
	c := New()

	err := c.Connect(context.Background(), srv.URL, "admin", "wrong")
	var e *dirigent.ErrHTTP
	if !errors.As(err, &e) || e.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 ErrHTTP", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after failed connect")
	}
}

func TestConnectAnonymous(t *testing.T) {
	srv, st := newTestServer(t)
	c := New()
	if err := c.Connect(context.Background(), srv.URL, "", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if st.lastAuth != "" {
		t.Errorf("anonymous connect sent auth header %q", st.lastAuth)
	}
}

func TestInvoke(t *testing.T) {
	srv, st := newTestServer(t)
	c := New()
	if err := c.Connect(context.Background(), srv.URL, "admin", "secret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	out, err := c.Invoke(context.Background(), "GetTemperature", "RoomAgent", map[string]any{"room": "kitchen"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != `"21.5"` {
		t.Errorf("payload = %s", out)
	}
	if st.lastInvokePath != "/invoke/GetTemperature/RoomAgent" {
		t.Errorf("path = %q", st.lastInvokePath)
	}
	if st.lastParams["room"] != "kitchen" {
		t.Errorf("params = %v", st.lastParams)
	}

	// Unscoped invocation omits the agent path segment; nil params become
	// an empty object rather than a null body.
	if _, err := c.Invoke(context.Background(), "GetTemperature", "", nil); err != nil {
		t.Fatalf("Invoke unscoped: %v", err)
	}
	if st.lastInvokePath != "/invoke/GetTemperature" {
		t.Errorf("path = %q", st.lastInvokePath)
	}
	if st.lastParams == nil || len(st.lastParams) != 0 {
		t.Errorf("params = %v, want empty object", st.lastParams)
	}
}

func TestInvokeErrorCarriesStatusAndBody(t *testing.T) {
	srv, st := newTestServer(t)
	st.invokeStatus = http.StatusForbidden
	st.invokeBody = "User is not logged in to this container"

	c := New()
	if err := c.Connect(context.Background(), srv.URL, "admin", "secret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, err := c.Invoke(context.Background(), "GetTemperature", "RoomAgent", nil)
	var e *dirigent.ErrHTTP
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want ErrHTTP", err)
	}
	if e.Status != http.StatusForbidden || !strings.Contains(e.Body, "not logged in") {
		t.Errorf("ErrHTTP = %+v", e)
	}
}

func TestContainerLoginLogout(t *testing.T) {
	srv, st := newTestServer(t)
	c := New()
	if err := c.Connect(context.Background(), srv.URL, "admin", "secret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.ContainerLogin(context.Background(), "cont-1", "u", "p"); err != nil {
		t.Fatalf("ContainerLogin: %v", err)
	}
	if err := c.ContainerLogout(context.Background(), "cont-1"); err != nil {
		t.Fatalf("ContainerLogout: %v", err)
	}
	if st.containerLogins != 1 || st.containerLogouts != 1 {
		t.Errorf("logins/logouts = %d/%d", st.containerLogins, st.containerLogouts)
	}
}

func TestMostLikelyContainer(t *testing.T) {
	srv, _ := newTestServer(t)
	c := New()
	if err := c.Connect(context.Background(), srv.URL, "admin", "secret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	t.Run("agent id match", func(t *testing.T) {
		id, name, err := c.MostLikelyContainer(context.Background(), "roomagent", "whatever")
		if err != nil {
			t.Fatalf("MostLikelyContainer: %v", err)
		}
		if id != "cont-1" || name != "Smart Rooms" {
			t.Errorf("got %q/%q", id, name)
		}
	})

	t.Run("action name fallback", func(t *testing.T) {
		id, name, err := c.MostLikelyContainer(context.Background(), "UnknownAgent", "bookdesk")
		if err != nil {
			t.Fatalf("MostLikelyContainer: %v", err)
		}
		// Display name falls back to the image name.
		if id != "cont-2" || name != "ghcr.io/x/desks" {
			t.Errorf("got %q/%q", id, name)
		}
	})

	t.Run("no match", func(t *testing.T) {
		if _, _, err := c.MostLikelyContainer(context.Background(), "Nobody", "Nothing"); err == nil {
			t.Error("expected error for unresolvable pair")
		}
	})
}

func TestResolveLocalRefs(t *testing.T) {
	raw := `{
		"components": {"schemas": {"Room": {"type": "object", "properties": {"name": {"type": "string"}}}}},
		"paths": {"/x": {"schema": {"$ref": "#/components/schemas/Room"}}}
	}`
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatal(err)
	}
	out := resolveLocalRefs(doc, doc, 0).(map[string]any)
	schema := out["paths"].(map[string]any)["/x"].(map[string]any)["schema"].(map[string]any)
	if schema["type"] != "object" {
		t.Errorf("ref not inlined: %v", schema)
	}

	// Unresolvable refs are left alone.
	var doc2 map[string]any
	_ = json.Unmarshal([]byte(`{"x": {"$ref": "#/nope"}}`), &doc2)
	out2 := resolveLocalRefs(doc2, doc2, 0).(map[string]any)
	if _, ok := out2["x"].(map[string]any)["$ref"]; !ok {
		t.Error("unresolvable ref rewritten")
	}
}

func TestResolveLocalRefsCyclic(t *testing.T) {
	var doc map[string]any
	_ = json.Unmarshal([]byte(`{"a": {"$ref": "#/b"}, "b": {"$ref": "#/a"}}`), &doc)
	// Must terminate via the depth bound.
	resolveLocalRefs(doc, doc, 0)
}

func TestDirectory(t *testing.T) {
	agents := []Agent{
		{ID: "RoomAgent", Description: "rooms", Actions: []Action{
			{Name: "GetTemperature", Description: "read"},
			{Name: "SetTemperature", Description: "write", Parameters: json.RawMessage(`{"type":"object"}`)},
		}},
	}
	dir := Directory(agents)

	tools := dir.Tools("RoomAgent")
	if len(tools) != 2 {
		t.Fatalf("tools = %d", len(tools))
	}
	if tools[0].Name != "RoomAgent--GetTemperature" {
		t.Errorf("tool name = %q", tools[0].Name)
	}
	// Actions without a declared schema get an empty object schema.
	if string(tools[0].Parameters) != `{"type":"object","properties":{}}` {
		t.Errorf("default params = %s", tools[0].Parameters)
	}
	if string(tools[1].Parameters) != `{"type":"object"}` {
		t.Errorf("declared params replaced: %s", tools[1].Parameters)
	}

	names := dir.Names()
	if names[len(names)-1] != dirigent.GeneralAgentName {
		t.Errorf("general agent not registered last: %v", names)
	}
}
