// Package postgres implements dirigent.Backend on PostgreSQL via pgx,
// for deployments where multiple engine processes share session state.
// Session records are stored as JSONB blobs.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dirigentlabs/dirigent"
)

// BackendOption configures a Postgres Backend.
type BackendOption func(*Backend)

// WithLogger sets a structured logger for the backend.
func WithLogger(l *slog.Logger) BackendOption {
	return func(b *Backend) { b.logger = l }
}

// Backend implements dirigent.Backend backed by a PostgreSQL database.
type Backend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ dirigent.Backend = (*Backend)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New connects to the database at connString (a pgx connection URL).
func New(ctx context.Context, connString string, opts ...BackendOption) (*Backend, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	b := &Backend{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Init creates the sessions table.
func (b *Backend) Init(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		record JSONB NOT NULL,
		valid_until BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, _ = b.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_valid ON sessions(valid_until)`)
	return nil
}

func (b *Backend) Save(ctx context.Context, rec dirigent.SessionRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = b.pool.Exec(ctx, `INSERT INTO sessions (id, record, valid_until) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, valid_until = EXCLUDED.valid_until`,
		rec.ID, blob, rec.ValidUntil)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	b.logger.Debug("postgres: session saved", "session", rec.ID)
	return nil
}

func (b *Backend) Load(ctx context.Context, id string) (dirigent.SessionRecord, bool, error) {
	var blob []byte
	err := b.pool.QueryRow(ctx, `SELECT record FROM sessions WHERE id = $1`, id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return dirigent.SessionRecord{}, false, nil
	}
	if err != nil {
		return dirigent.SessionRecord{}, false, fmt.Errorf("load session: %w", err)
	}
	var rec dirigent.SessionRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return dirigent.SessionRecord{}, false, fmt.Errorf("unmarshal session: %w", err)
	}
	return rec, true, nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (b *Backend) IDs(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT id FROM sessions`)
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

// Close releases the connection pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}
