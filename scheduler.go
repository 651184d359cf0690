package dirigent

import (
	"context"
	"log/slog"
	"time"
)

// RunFunc executes a fired callback's query for its session, normally by
// feeding it through the engine.
type RunFunc func(ctx context.Context, sess *Session, query string)

// CallbackScheduler arms timers for a session's scheduled callbacks.
// Timers are fire-and-forget goroutines that outlive the request which
// created them; when one fires it consults the session's registry, so a
// cancelled (removed) callback is a silent no-op. The registry persists
// with the session and RearmAll restores timers after a restart.
type CallbackScheduler struct {
	store  *SessionStore
	run    RunFunc
	logger *slog.Logger
}

// SchedulerOption configures a CallbackScheduler.
type SchedulerOption func(*CallbackScheduler)

// SchedulerLogger sets the structured logger for scheduler events.
func SchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(cs *CallbackScheduler) { cs.logger = l }
}

func NewCallbackScheduler(store *SessionStore, run RunFunc, opts ...SchedulerOption) *CallbackScheduler {
	cs := &CallbackScheduler{store: store, run: run}
	for _, opt := range opts {
		opt(cs)
	}
	if cs.logger == nil {
		cs.logger = nopLogger
	}
	return cs
}

// Schedule registers a callback on the session, persists it, and arms its
// timer. every == 0 makes it one-shot; repetitions < 0 makes a recurring
// callback unbounded.
func (cs *CallbackScheduler) Schedule(ctx context.Context, sess *Session, query string, at time.Time, every time.Duration, repetitions int) (ScheduledCallback, error) {
	cb := ScheduledCallback{
		ID:          NewID(),
		Query:       query,
		FireAt:      at.Unix(),
		EverySec:    int64(every / time.Second),
		Repetitions: repetitions,
	}
	sess.putCallback(cb)
	if err := cs.store.Save(ctx, sess); err != nil {
		sess.removeCallback(cb.ID)
		return ScheduledCallback{}, err
	}
	go cs.arm(sess.ID, cb)
	cs.logger.Info("callback scheduled", "session", sess.ID, "callback", cb.ID, "fire_at", cb.FireAt, "every_sec", cb.EverySec)
	return cb, nil
}

// Cancel removes a callback from the registry. The already-armed timer
// notices the absence when it fires and does nothing.
func (cs *CallbackScheduler) Cancel(ctx context.Context, sess *Session, id string) bool {
	if !sess.removeCallback(id) {
		return false
	}
	if err := cs.store.Save(ctx, sess); err != nil {
		cs.logger.Warn("saving session after cancel failed", "session", sess.ID, "error", err)
	}
	cs.logger.Info("callback cancelled", "session", sess.ID, "callback", id)
	return true
}

// RearmAll re-arms every pending callback of every resident session.
// Called after SessionStore.RestoreAll on startup. Missed firings are
// skipped, never replayed: a missed one-shot is dropped, a missed
// recurring callback advances to its next future slot with its remaining
// repetitions decremented accordingly.
func (cs *CallbackScheduler) RearmAll(ctx context.Context) {
	now := time.Now().Unix()
	for _, sess := range cs.store.resident() {
		changed := false
		for id, cb := range sess.Callbacks() {
			next, keep := advancePast(cb, now)
			if !keep {
				sess.removeCallback(id)
				changed = true
				continue
			}
			if next != cb {
				sess.putCallback(next)
				changed = true
			}
			go cs.arm(sess.ID, next)
		}
		if changed {
			if err := cs.store.Save(ctx, sess); err != nil {
				cs.logger.Warn("saving session after rearm failed", "session", sess.ID, "error", err)
			}
		}
	}
}

// advancePast moves a callback's fire time past now, consuming missed
// repetitions. Returns false when nothing remains to fire.
func advancePast(cb ScheduledCallback, now int64) (ScheduledCallback, bool) {
	if cb.FireAt > now {
		return cb, true
	}
	if cb.EverySec <= 0 {
		return cb, false
	}
	for cb.FireAt <= now {
		cb.FireAt += cb.EverySec
		if cb.Repetitions > 0 {
			cb.Repetitions--
			if cb.Repetitions == 0 {
				return cb, false
			}
		}
	}
	return cb, true
}

// arm sleeps until the callback's fire time, then runs it if it is still
// registered with the same fire time. Detached from any request context:
// deferred work explicitly outlives the request that scheduled it.
func (cs *CallbackScheduler) arm(sessionID string, cb ScheduledCallback) {
	if d := time.Until(time.Unix(cb.FireAt, 0)); d > 0 {
		time.Sleep(d)
	}
	sess, ok := cs.store.Get(sessionID)
	if !ok {
		return
	}
	cur, ok := sess.callback(cb.ID)
	if !ok || cur.FireAt != cb.FireAt {
		// Cancelled, or superseded by a re-arm with a newer slot.
		return
	}

	ctx := context.Background()
	rearm := false
	switch {
	case cur.EverySec <= 0:
		sess.removeCallback(cur.ID)
	case cur.Repetitions > 0:
		cur.Repetitions--
		if cur.Repetitions == 0 {
			sess.removeCallback(cur.ID)
		} else {
			cur.FireAt += cur.EverySec
			sess.putCallback(cur)
			rearm = true
		}
	default:
		cur.FireAt += cur.EverySec
		sess.putCallback(cur)
		rearm = true
	}
	if err := cs.store.Save(ctx, sess); err != nil {
		cs.logger.Warn("saving session after callback fired", "session", sessionID, "error", err)
	}
	if rearm {
		go cs.arm(sessionID, cur)
	}

	cs.logger.Info("callback fired", "session", sessionID, "callback", cb.ID)
	cs.run(ctx, sess, cb.Query)
}
