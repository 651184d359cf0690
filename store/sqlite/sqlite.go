// Package sqlite implements dirigent.Backend using pure-Go SQLite.
// Zero CGO required. Session records are stored as opaque JSON blobs;
// only the id and expiry are queryable columns.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dirigentlabs/dirigent"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// BackendOption configures a SQLite Backend.
type BackendOption func(*Backend)

// WithLogger sets a structured logger for the backend. When set, the
// backend emits debug logs for every operation.
func WithLogger(l *slog.Logger) BackendOption {
	return func(b *Backend) { b.logger = l }
}

// Backend implements dirigent.Backend backed by a local SQLite file.
type Backend struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ dirigent.Backend = (*Backend)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Backend using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers opening independent
// connections.
func New(dbPath string, opts ...BackendOption) *Backend {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with
		// the blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	b := &Backend{db: db, logger: nopLogger}
	for _, o := range opts {
		o(b)
	}
	b.logger.Debug("sqlite: backend opened", "path", dbPath)
	return b
}

// Init creates the sessions table.
func (b *Backend) Init(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		record TEXT NOT NULL,
		valid_until INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, _ = b.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_valid ON sessions(valid_until)`)
	return nil
}

func (b *Backend) Save(ctx context.Context, rec dirigent.SessionRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `INSERT INTO sessions (id, record, valid_until) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record, valid_until = excluded.valid_until`,
		rec.ID, string(blob), rec.ValidUntil)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	b.logger.Debug("sqlite: session saved", "session", rec.ID)
	return nil
}

func (b *Backend) Load(ctx context.Context, id string) (dirigent.SessionRecord, bool, error) {
	var blob string
	err := b.db.QueryRowContext(ctx, `SELECT record FROM sessions WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return dirigent.SessionRecord{}, false, nil
	}
	if err != nil {
		return dirigent.SessionRecord{}, false, fmt.Errorf("load session: %w", err)
	}
	var rec dirigent.SessionRecord
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return dirigent.SessionRecord{}, false, fmt.Errorf("unmarshal session: %w", err)
	}
	return rec, true, nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	b.logger.Debug("sqlite: session deleted", "session", id)
	return nil
}

func (b *Backend) IDs(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database.
func (b *Backend) Close() error {
	return b.db.Close()
}
