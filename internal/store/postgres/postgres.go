// Package postgres implements store.Store on Postgres via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rostersync/internal/model"
	"rostersync/internal/store"
)

// Schema is the DDL applied by Migrate. The shifts unique constraint is the
// deduplication contract and must not change.
const Schema = `
CREATE TABLE IF NOT EXISTS calendar_feeds (
    seq BIGSERIAL PRIMARY KEY,
    id UUID NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    ics_url TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT calendar_feeds_user_url_key UNIQUE (user_id, ics_url)
);

CREATE TABLE IF NOT EXISTS shifts (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    external_id TEXT NOT NULL,
    start_time TIMESTAMPTZ NOT NULL,
    end_time TIMESTAMPTZ NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    location TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'Confirmed',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT shifts_user_provider_external_key UNIQUE (user_id, provider, external_id)
);

CREATE INDEX IF NOT EXISTS idx_shifts_user_start ON shifts (user_id, start_time);
`

const shiftColumns = `id::text, user_id, provider, external_id, start_time, end_time, title, description, location, status, created_at, updated_at`

// Store provides Postgres-backed persistence for feeds and shifts.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New constructs a Store on an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapErr("ping postgres", err)
	}
	return New(pool), nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return wrapErr("migrate", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) UpsertShift(ctx context.Context, shift model.Shift) (model.Shift, error) {
	shift, err := store.ValidateShift(shift)
	if err != nil {
		return model.Shift{}, err
	}

	const stmt = `INSERT INTO shifts (id, user_id, provider, external_id, start_time, end_time, title, description, location, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT ON CONSTRAINT shifts_user_provider_external_key DO UPDATE SET
            start_time = EXCLUDED.start_time,
            end_time = EXCLUDED.end_time,
            title = EXCLUDED.title,
            description = EXCLUDED.description,
            location = EXCLUDED.location,
            updated_at = now()
        RETURNING ` + shiftColumns

	row := s.pool.QueryRow(ctx, stmt,
		uuid.NewString(),
		shift.UserID,
		string(shift.Provider),
		shift.ExternalID,
		shift.StartTime,
		shift.EndTime,
		shift.Title,
		shift.Description,
		shift.Location,
		shift.Status,
	)
	stored, err := scanShift(row)
	if err != nil {
		return model.Shift{}, wrapErr("upsert shift", err)
	}
	return stored, nil
}

func (s *Store) ListShifts(ctx context.Context, userID string, from, to time.Time) ([]model.Shift, error) {
	query := `SELECT ` + shiftColumns + ` FROM shifts WHERE user_id=$1`
	args := []any{userID}
	if !from.IsZero() {
		args = append(args, from.UTC())
		query += fmt.Sprintf(" AND start_time >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		query += fmt.Sprintf(" AND start_time < $%d", len(args))
	}
	query += " ORDER BY start_time, external_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("query shifts", err)
	}
	defer rows.Close()

	out := make([]model.Shift, 0)
	for rows.Next() {
		sh, err := scanShift(rows)
		if err != nil {
			return nil, wrapErr("scan shift", err)
		}
		out = append(out, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("query shifts", err)
	}
	return out, nil
}

func (s *Store) UpsertFeed(ctx context.Context, feed model.FeedSubscription) (model.FeedSubscription, error) {
	if err := store.ValidateFeed(feed); err != nil {
		return model.FeedSubscription{}, err
	}

	// The no-op DO UPDATE makes RETURNING yield the existing row.
	const stmt = `INSERT INTO calendar_feeds (id, user_id, provider, ics_url)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT ON CONSTRAINT calendar_feeds_user_url_key DO UPDATE SET ics_url = EXCLUDED.ics_url
        RETURNING id::text, user_id, provider, ics_url, created_at`

	row := s.pool.QueryRow(ctx, stmt, uuid.NewString(), feed.UserID, string(feed.Provider), feed.FeedURL)
	stored, err := scanFeed(row)
	if err != nil {
		return model.FeedSubscription{}, wrapErr("upsert feed", err)
	}
	return stored, nil
}

func (s *Store) ListFeeds(ctx context.Context, userID string) ([]model.FeedSubscription, error) {
	const query = `SELECT id::text, user_id, provider, ics_url, created_at FROM calendar_feeds WHERE user_id=$1 ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, wrapErr("query feeds", err)
	}
	defer rows.Close()

	out := make([]model.FeedSubscription, 0)
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, wrapErr("scan feed", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("query feeds", err)
	}
	return out, nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT user_id FROM calendar_feeds ORDER BY user_id`)
	if err != nil {
		return nil, wrapErr("query users", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrapErr("collect users", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func scanShift(row pgx.Row) (model.Shift, error) {
	var (
		sh       model.Shift
		provider string
	)
	err := row.Scan(
		&sh.ID,
		&sh.UserID,
		&provider,
		&sh.ExternalID,
		&sh.StartTime,
		&sh.EndTime,
		&sh.Title,
		&sh.Description,
		&sh.Location,
		&sh.Status,
		&sh.CreatedAt,
		&sh.UpdatedAt,
	)
	if err != nil {
		return model.Shift{}, err
	}
	sh.Provider = model.Provider(provider)
	sh.StartTime = sh.StartTime.UTC()
	sh.EndTime = sh.EndTime.UTC()
	sh.CreatedAt = sh.CreatedAt.UTC()
	sh.UpdatedAt = sh.UpdatedAt.UTC()
	return sh, nil
}

func scanFeed(row pgx.Row) (model.FeedSubscription, error) {
	var (
		f        model.FeedSubscription
		provider string
	)
	if err := row.Scan(&f.ID, &f.UserID, &provider, &f.FeedURL, &f.CreatedAt); err != nil {
		return model.FeedSubscription{}, err
	}
	f.Provider = model.Provider(provider)
	f.CreatedAt = f.CreatedAt.UTC()
	return f, nil
}

// wrapErr marks connection-level failures as store.ErrUnavailable.
func wrapErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	var (
		connErr *pgconn.ConnectError
		netErr  net.Error
	)
	if errors.As(err, &connErr) || errors.As(err, &netErr) || strings.Contains(err.Error(), "closed pool") {
		return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
