package dirigent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrSessionBlocked is returned by CreateOrRefresh for a session an
// administrator has blocked.
var ErrSessionBlocked = errors.New("session is blocked")

// Backend is the durable side of the session store. Implementations live
// in store/sqlite and store/postgres; a nil backend makes the store
// memory-only.
type Backend interface {
	Save(ctx context.Context, rec SessionRecord) error
	Load(ctx context.Context, id string) (SessionRecord, bool, error)
	Delete(ctx context.Context, id string) error
	IDs(ctx context.Context) ([]string, error)
	Close() error
}

// SessionStore holds resident sessions and mirrors them to a durable
// Backend. Request handling and the background sweep/flush loop touch the
// store concurrently; the map is guarded by the store mutex while each
// session guards its own content.
type SessionStore struct {
	backend     Backend
	ttl         time.Duration
	artifactDir string
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// StoreOption configures a SessionStore.
type StoreOption func(*SessionStore)

// StoreLogger sets the structured logger for store events.
func StoreLogger(l *slog.Logger) StoreOption {
	return func(st *SessionStore) { st.logger = l }
}

// StoreArtifactDir sets the directory holding session-scoped on-disk
// artifacts (uploads etc.). Deleting a session purges its subdirectory.
func StoreArtifactDir(dir string) StoreOption {
	return func(st *SessionStore) { st.artifactDir = dir }
}

// NewSessionStore creates a store. backend may be nil for memory-only
// operation; ttl is how long a session stays valid after its last contact.
func NewSessionStore(backend Backend, ttl time.Duration, opts ...StoreOption) *SessionStore {
	st := &SessionStore{
		backend:  backend,
		ttl:      ttl,
		sessions: map[string]*Session{},
	}
	for _, opt := range opts {
		opt(st)
	}
	if st.logger == nil {
		st.logger = nopLogger
	}
	return st
}

// CreateOrRefresh returns the session for id, loading it from durable
// storage when not resident and creating it fresh otherwise, always
// advancing its expiry. An expired session is never reused: its stale
// state is dropped and a fresh session takes its place. id == "" creates
// a session with a generated id.
func (st *SessionStore) CreateOrRefresh(ctx context.Context, id string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.sessions[id]
	if s != nil && !s.Valid() {
		delete(st.sessions, id)
		s = nil
	}
	if s == nil && id != "" && st.backend != nil {
		rec, ok, err := st.backend.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			if time.Now().Before(time.Unix(rec.ValidUntil, 0)) {
				s = sessionFromRecord(rec)
				st.sessions[id] = s
			} else if err := st.backend.Delete(ctx, id); err != nil {
				st.logger.Warn("deleting expired session failed", "session", id, "error", err)
			}
		}
	}
	if s == nil {
		if id == "" {
			id = NewID()
		}
		s = newSession(id)
		st.sessions[id] = s
		st.logger.Info("session created", "session", id)
	}
	if s.IsBlocked() {
		return nil, ErrSessionBlocked
	}
	s.Touch(st.ttl)
	return s, nil
}

// Get returns the resident session for id, without refreshing it.
func (st *SessionStore) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Save flushes one session to durable storage. A nil backend makes this
// a no-op.
func (st *SessionStore) Save(ctx context.Context, s *Session) error {
	if st.backend == nil {
		return nil
	}
	return st.backend.Save(ctx, s.snapshot())
}

// Delete removes a session from memory and durable storage, and purges
// its on-disk artifacts.
func (st *SessionStore) Delete(ctx context.Context, id string) error {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()

	if st.artifactDir != "" {
		if err := os.RemoveAll(filepath.Join(st.artifactDir, id)); err != nil {
			st.logger.Warn("purging session artifacts failed", "session", id, "error", err)
		}
	}
	if st.backend == nil {
		return nil
	}
	return st.backend.Delete(ctx, id)
}

// ListPersistedIDs returns the ids present in durable storage.
func (st *SessionStore) ListPersistedIDs(ctx context.Context) ([]string, error) {
	if st.backend == nil {
		return nil, nil
	}
	return st.backend.IDs(ctx)
}

// Sweep deletes every expired resident session.
func (st *SessionStore) Sweep(ctx context.Context) {
	st.mu.Lock()
	var expired []string
	for id, s := range st.sessions {
		if !s.Valid() {
			expired = append(expired, id)
		}
	}
	st.mu.Unlock()

	for _, id := range expired {
		st.logger.Info("sweeping expired session", "session", id)
		if err := st.Delete(ctx, id); err != nil {
			st.logger.Warn("sweep delete failed", "session", id, "error", err)
		}
	}
}

// FlushAll saves every resident session to durable storage.
func (st *SessionStore) FlushAll(ctx context.Context) {
	for _, s := range st.resident() {
		if err := st.Save(ctx, s); err != nil {
			st.logger.Warn("session flush failed", "session", s.ID, "error", err)
		}
	}
}

// Run sweeps and flushes on an interval until ctx is cancelled, then
// performs a final flush.
func (st *SessionStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			st.FlushAll(context.Background())
			return
		case <-ticker.C:
			st.Sweep(ctx)
			st.FlushAll(ctx)
		}
	}
}

// RestoreAll loads every persisted session into memory on startup,
// dropping expired ones. rearm, when non-nil, is called once per restored
// session so the caller can attach a coordinator and re-arm scheduled
// callbacks and pending deferred logouts.
func (st *SessionStore) RestoreAll(ctx context.Context, rearm func(*Session)) error {
	if st.backend == nil {
		return nil
	}
	ids, err := st.backend.IDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, ok, err := st.backend.Load(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !time.Now().Before(time.Unix(rec.ValidUntil, 0)) {
			if err := st.Delete(ctx, id); err != nil {
				st.logger.Warn("dropping expired persisted session failed", "session", id, "error", err)
			}
			continue
		}
		s := sessionFromRecord(rec)
		st.mu.Lock()
		st.sessions[id] = s
		st.mu.Unlock()
		if rearm != nil {
			rearm(s)
		}
	}
	st.logger.Info("sessions restored", "count", len(ids))
	return nil
}

// resident returns a snapshot of the resident sessions.
func (st *SessionStore) resident() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// --- administrative actions ---

// SessionAction is an administrative operation on a session.
type SessionAction string

const (
	// ActionLogoutAll revokes every container authorization.
	ActionLogoutAll SessionAction = "logout_all"
	// ActionStopTasks cancels every scheduled callback.
	ActionStopTasks SessionAction = "stop_tasks"
	// ActionBlock rejects further requests for the session.
	ActionBlock SessionAction = "block"
	// ActionUnblock lifts a block.
	ActionUnblock SessionAction = "unblock"
	// ActionDelete removes the session entirely.
	ActionDelete SessionAction = "delete"
)

// Apply performs an administrative action on a session. Unknown ids are
// an error for every action except delete, which is idempotent.
func (st *SessionStore) Apply(ctx context.Context, id string, action SessionAction) error {
	if action == ActionDelete {
		return st.Delete(ctx, id)
	}
	s, ok := st.Get(id)
	if !ok {
		return errors.New("unknown session: " + id)
	}
	switch action {
	case ActionLogoutAll:
		if auth := s.Coordinator(); auth != nil {
			return auth.LogoutAll(ctx)
		}
		return nil
	case ActionStopTasks:
		s.clearCallbacks()
		return st.Save(ctx, s)
	case ActionBlock:
		s.setBlocked(true)
		return st.Save(ctx, s)
	case ActionUnblock:
		s.setBlocked(false)
		return st.Save(ctx, s)
	default:
		return errors.New("unknown session action: " + string(action))
	}
}
