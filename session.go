package dirigent

import (
	"encoding/json"
	"sync"
	"time"
)

// ScheduledCallback is a deferred "execute later" request registered on a
// session. Callbacks persist with the session and are re-armed on process
// restart; cancellation is simply removal from the registry, which makes
// an already-sleeping timer a no-op when it fires.
type ScheduledCallback struct {
	ID     string `json:"id"`
	Query  string `json:"query"`
	FireAt int64  `json:"fire_at"` // unix seconds
	// EverySec makes the callback recurring when > 0.
	EverySec int64 `json:"every_sec,omitempty"`
	// Repetitions is the number of remaining firings for a recurring
	// callback; negative means unbounded.
	Repetitions int `json:"repetitions,omitempty"`
}

// SessionRecord is the durable form of a session. Only field semantics
// are load-bearing; backends store it as an opaque JSON blob.
type SessionRecord struct {
	ID         string                       `json:"id"`
	History    []ChatMessage                `json:"history"`
	Config     map[string]json.RawMessage   `json:"config,omitempty"`
	Callbacks  map[string]ScheduledCallback `json:"callbacks,omitempty"`
	Logins     map[string]int64             `json:"logins,omitempty"` // containerID -> logout deadline (unix)
	ValidUntil int64                        `json:"valid_until"`
	Blocked    bool                         `json:"blocked,omitempty"`
}

// Session is one user's conversation state: history, per-method
// configuration, scheduled callbacks, an expiry timestamp, and the
// session-scoped container authorizations. A session serves one in-flight
// request at a time, but the background sweep/flush may touch it
// concurrently, so all mutation goes through its own mutex.
type Session struct {
	ID string

	mu         sync.Mutex
	history    []ChatMessage
	config     map[string]json.RawMessage
	callbacks  map[string]ScheduledCallback
	validUntil time.Time
	blocked    bool
	auth       *LoginCoordinator
	// logins holds restored authorizations until a coordinator is
	// attached and re-arms them.
	logins map[string]int64
}

func newSession(id string) *Session {
	return &Session{
		ID:        id,
		config:    map[string]json.RawMessage{},
		callbacks: map[string]ScheduledCallback{},
	}
}

func sessionFromRecord(rec SessionRecord) *Session {
	s := newSession(rec.ID)
	s.history = append(s.history, rec.History...)
	for k, v := range rec.Config {
		s.config[k] = v
	}
	for k, v := range rec.Callbacks {
		s.callbacks[k] = v
	}
	s.logins = rec.Logins
	s.validUntil = time.Unix(rec.ValidUntil, 0)
	s.blocked = rec.Blocked
	return s
}

// Append adds messages to the conversation history.
func (s *Session) Append(msgs ...ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msgs...)
}

// History returns a copy of the conversation history.
func (s *Session) History() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatMessage(nil), s.history...)
}

// Valid reports whether the session has not expired.
func (s *Session) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.validUntil)
}

// Touch advances the expiry by ttl from now.
func (s *Session) Touch(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validUntil = time.Now().Add(ttl)
}

// ValidUntil returns the current expiry timestamp.
func (s *Session) ValidUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validUntil
}

// SetConfig stores the configuration blob for a method name.
func (s *Session) SetConfig(method string, cfg json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[method] = cfg
}

// Config returns the configuration blob for a method name, or nil.
func (s *Session) Config(method string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config[method]
}

// AttachCoordinator binds the session's login coordinator and re-arms any
// authorizations restored from durable storage.
func (s *Session) AttachCoordinator(c *LoginCoordinator) {
	s.mu.Lock()
	logins := s.logins
	s.logins = nil
	s.auth = c
	s.mu.Unlock()
	for id, deadline := range logins {
		c.Rearm(id, time.Unix(deadline, 0))
	}
}

// Coordinator returns the attached login coordinator, or nil.
func (s *Session) Coordinator() *LoginCoordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

// IsBlocked reports whether the session has been administratively blocked.
func (s *Session) IsBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

func (s *Session) setBlocked(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = v
}

// --- callback registry ---

func (s *Session) putCallback(cb ScheduledCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[cb.ID] = cb
}

// removeCallback deletes a callback and reports whether it existed.
func (s *Session) removeCallback(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.callbacks[id]
	delete(s.callbacks, id)
	return ok
}

func (s *Session) callback(id string) (ScheduledCallback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.callbacks[id]
	return cb, ok
}

// Callbacks returns a copy of the scheduled-callback registry.
func (s *Session) Callbacks() map[string]ScheduledCallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ScheduledCallback, len(s.callbacks))
	for k, v := range s.callbacks {
		out[k] = v
	}
	return out
}

// clearCallbacks empties the registry, cancelling every pending callback.
func (s *Session) clearCallbacks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = map[string]ScheduledCallback{}
}

// snapshot renders the session as its durable record.
func (s *Session) snapshot() SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := SessionRecord{
		ID:         s.ID,
		History:    append([]ChatMessage(nil), s.history...),
		ValidUntil: s.validUntil.Unix(),
		Blocked:    s.blocked,
	}
	if len(s.config) > 0 {
		rec.Config = make(map[string]json.RawMessage, len(s.config))
		for k, v := range s.config {
			rec.Config[k] = v
		}
	}
	if len(s.callbacks) > 0 {
		rec.Callbacks = make(map[string]ScheduledCallback, len(s.callbacks))
		for k, v := range s.callbacks {
			rec.Callbacks[k] = v
		}
	}
	if s.auth != nil {
		logins := s.auth.Snapshot()
		if len(logins) > 0 {
			rec.Logins = make(map[string]int64, len(logins))
			for id, t := range logins {
				rec.Logins[id] = t.Unix()
			}
		}
	} else if len(s.logins) > 0 {
		rec.Logins = s.logins
	}
	return rec
}
