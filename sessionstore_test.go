package dirigent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCreateOrRefreshGeneratesID(t *testing.T) {
	st := NewSessionStore(nil, time.Hour)
	s, err := st.CreateOrRefresh(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateOrRefresh: %v", err)
	}
	if s.ID == "" {
		t.Error("empty id not replaced with a generated one")
	}
	if !s.Valid() {
		t.Error("new session should be valid")
	}
}

func TestCreateOrRefreshReturnsResident(t *testing.T) {
	st := NewSessionStore(nil, time.Hour)
	a, _ := st.CreateOrRefresh(context.Background(), "s1")
	a.Append(UserMessage("hello"))
	b, _ := st.CreateOrRefresh(context.Background(), "s1")
	if a != b {
		t.Error("resident session not reused")
	}
	if len(b.History()) != 1 {
		t.Error("history lost across refresh")
	}
}

func TestCreateOrRefreshNeverReusesExpired(t *testing.T) {
	st := NewSessionStore(nil, -time.Second) // everything expires immediately
	a, _ := st.CreateOrRefresh(context.Background(), "s1")
	a.Append(UserMessage("stale"))

	st.ttl = time.Hour
	b, err := st.CreateOrRefresh(context.Background(), "s1")
	if err != nil {
		t.Fatalf("CreateOrRefresh: %v", err)
	}
	if a == b {
		t.Error("expired session was reused")
	}
	if len(b.History()) != 0 {
		t.Error("stale history carried into the fresh session")
	}
}

func TestCreateOrRefreshLoadsFromBackend(t *testing.T) {
	backend := newMemBackend()
	rec := SessionRecord{
		ID:         "s1",
		History:    []ChatMessage{UserMessage("persisted")},
		ValidUntil: time.Now().Add(time.Hour).Unix(),
	}
	if err := backend.Save(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	st := NewSessionStore(backend, time.Hour)
	s, err := st.CreateOrRefresh(context.Background(), "s1")
	if err != nil {
		t.Fatalf("CreateOrRefresh: %v", err)
	}
	if len(s.History()) != 1 || s.History()[0].Content != "persisted" {
		t.Errorf("history = %+v", s.History())
	}
}

func TestCreateOrRefreshDropsExpiredPersisted(t *testing.T) {
	backend := newMemBackend()
	rec := SessionRecord{
		ID:         "s1",
		History:    []ChatMessage{UserMessage("old")},
		ValidUntil: time.Now().Add(-time.Hour).Unix(),
	}
	_ = backend.Save(context.Background(), rec)

	st := NewSessionStore(backend, time.Hour)
	s, err := st.CreateOrRefresh(context.Background(), "s1")
	if err != nil {
		t.Fatalf("CreateOrRefresh: %v", err)
	}
	if len(s.History()) != 0 {
		t.Error("expired persisted history restored")
	}
	if _, ok, _ := backend.Load(context.Background(), "s1"); ok {
		t.Error("expired record not deleted from backend")
	}
}

func TestCreateOrRefreshBlocked(t *testing.T) {
	st := NewSessionStore(nil, time.Hour)
	s, _ := st.CreateOrRefresh(context.Background(), "s1")
	s.setBlocked(true)
	if _, err := st.CreateOrRefresh(context.Background(), "s1"); !errors.Is(err, ErrSessionBlocked) {
		t.Errorf("err = %v, want ErrSessionBlocked", err)
	}
}

func TestDeletePurgesArtifacts(t *testing.T) {
	dir := t.TempDir()
	st := NewSessionStore(newMemBackend(), time.Hour, StoreArtifactDir(dir))
	s, _ := st.CreateOrRefresh(context.Background(), "s1")
	_ = st.Save(context.Background(), s)

	artifact := filepath.Join(dir, "s1")
	if err := os.MkdirAll(artifact, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(artifact, "upload.txt"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := st.Delete(context.Background(), "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Error("artifact directory survived deletion")
	}
	if _, ok := st.Get("s1"); ok {
		t.Error("session still resident after delete")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	backend := newMemBackend()
	st := NewSessionStore(backend, time.Hour)
	live, _ := st.CreateOrRefresh(context.Background(), "live")
	dead, _ := st.CreateOrRefresh(context.Background(), "dead")
	_ = st.Save(context.Background(), live)
	_ = st.Save(context.Background(), dead)
	dead.Touch(-time.Second)

	st.Sweep(context.Background())

	if _, ok := st.Get("live"); !ok {
		t.Error("live session swept")
	}
	if _, ok := st.Get("dead"); ok {
		t.Error("expired session survived sweep")
	}
	if _, ok, _ := backend.Load(context.Background(), "dead"); ok {
		t.Error("expired session survived in backend")
	}
}

func TestFlushAllPersistsResidents(t *testing.T) {
	backend := newMemBackend()
	st := NewSessionStore(backend, time.Hour)
	s, _ := st.CreateOrRefresh(context.Background(), "s1")
	s.Append(UserMessage("hello"))

	st.FlushAll(context.Background())

	rec, ok, _ := backend.Load(context.Background(), "s1")
	if !ok || len(rec.History) != 1 {
		t.Errorf("flushed record = %+v, ok = %v", rec, ok)
	}
}

func TestRestoreAll(t *testing.T) {
	backend := newMemBackend()
	_ = backend.Save(context.Background(), SessionRecord{
		ID: "keep", ValidUntil: time.Now().Add(time.Hour).Unix(),
	})
	_ = backend.Save(context.Background(), SessionRecord{
		ID: "expired", ValidUntil: time.Now().Add(-time.Hour).Unix(),
	})

	st := NewSessionStore(backend, time.Hour)
	var rearmed []string
	err := st.RestoreAll(context.Background(), func(s *Session) {
		rearmed = append(rearmed, s.ID)
	})
	if err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	if _, ok := st.Get("keep"); !ok {
		t.Error("valid session not restored")
	}
	if _, ok := st.Get("expired"); ok {
		t.Error("expired session restored")
	}
	if len(rearmed) != 1 || rearmed[0] != "keep" {
		t.Errorf("rearmed = %v", rearmed)
	}
}

func TestApplyActions(t *testing.T) {
	backend := newMemBackend()
	st := NewSessionStore(backend, time.Hour)
	s, _ := st.CreateOrRefresh(context.Background(), "s1")
	s.putCallback(ScheduledCallback{ID: "cb"})

	inv := newGatedInvoker()
	inv.loggedIn["container-1"] = true
	c := NewLoginCoordinator(inv, nil)
	c.Rearm("container-1", time.Now().Add(time.Hour))
	s.AttachCoordinator(c)

	if err := st.Apply(context.Background(), "s1", ActionLogoutAll); err != nil {
		t.Fatalf("logout_all: %v", err)
	}
	if len(c.Snapshot()) != 0 {
		t.Error("logout_all left authorizations")
	}

	if err := st.Apply(context.Background(), "s1", ActionStopTasks); err != nil {
		t.Fatalf("stop_tasks: %v", err)
	}
	if len(s.Callbacks()) != 0 {
		t.Error("stop_tasks left callbacks")
	}

	if err := st.Apply(context.Background(), "s1", ActionBlock); err != nil {
		t.Fatalf("block: %v", err)
	}
	if !s.IsBlocked() {
		t.Error("block did not take effect")
	}
	if err := st.Apply(context.Background(), "s1", ActionUnblock); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if s.IsBlocked() {
		t.Error("unblock did not take effect")
	}

	if err := st.Apply(context.Background(), "s1", ActionDelete); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := st.Get("s1"); ok {
		t.Error("delete left the session resident")
	}
	// Delete is idempotent even for unknown ids.
	if err := st.Apply(context.Background(), "nope", ActionDelete); err != nil {
		t.Errorf("delete unknown: %v", err)
	}
	if err := st.Apply(context.Background(), "nope", ActionBlock); err == nil {
		t.Error("block on unknown session should fail")
	}
	if err := st.Apply(context.Background(), "s1", SessionAction("bogus")); err == nil {
		t.Error("unknown action should fail")
	}
}
