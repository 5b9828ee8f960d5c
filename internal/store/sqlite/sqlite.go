// Package sqlite implements store.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"rostersync/internal/model"
	"rostersync/internal/store"
)

// timeLayout is fixed width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
	CREATE TABLE IF NOT EXISTS calendar_feeds (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		ics_url TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (user_id, ics_url)
	);

	CREATE TABLE IF NOT EXISTS shifts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		external_id TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'Confirmed',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (user_id, provider, external_id)
	);

	CREATE INDEX IF NOT EXISTS idx_shifts_user_start ON shifts(user_id, start_time);
`

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and initializes the
// schema. ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY and
	// keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertShift(ctx context.Context, shift model.Shift) (model.Shift, error) {
	shift, err := store.ValidateShift(shift)
	if err != nil {
		return model.Shift{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Shift{}, wrapErr("begin upsert shift", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	const upsert = `
		INSERT INTO shifts (id, user_id, provider, external_id, start_time, end_time, title, description, location, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider, external_id) DO UPDATE SET
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			updated_at = excluded.updated_at
	`
	_, err = tx.ExecContext(ctx, upsert,
		uuid.NewString(),
		shift.UserID,
		string(shift.Provider),
		shift.ExternalID,
		shift.StartTime.Format(timeLayout),
		shift.EndTime.Format(timeLayout),
		shift.Title,
		shift.Description,
		shift.Location,
		shift.Status,
		now,
		now,
	)
	if err != nil {
		return model.Shift{}, wrapErr("upsert shift", err)
	}

	const query = `
		SELECT id, user_id, provider, external_id, start_time, end_time, title, description, location, status, created_at, updated_at
		FROM shifts WHERE user_id = ? AND provider = ? AND external_id = ?
	`
	stored, err := scanShift(tx.QueryRowContext(ctx, query, shift.UserID, string(shift.Provider), shift.ExternalID))
	if err != nil {
		return model.Shift{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Shift{}, wrapErr("commit upsert shift", err)
	}
	return stored, nil
}

func (s *Store) ListShifts(ctx context.Context, userID string, from, to time.Time) ([]model.Shift, error) {
	query := `
		SELECT id, user_id, provider, external_id, start_time, end_time, title, description, location, status, created_at, updated_at
		FROM shifts WHERE user_id = ?`
	args := []any{userID}
	if !from.IsZero() {
		query += " AND start_time >= ?"
		args = append(args, from.UTC().Format(timeLayout))
	}
	if !to.IsZero() {
		query += " AND start_time < ?"
		args = append(args, to.UTC().Format(timeLayout))
	}
	query += " ORDER BY start_time, external_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("query shifts", err)
	}
	defer rows.Close()

	out := make([]model.Shift, 0)
	for rows.Next() {
		sh, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (s *Store) UpsertFeed(ctx context.Context, feed model.FeedSubscription) (model.FeedSubscription, error) {
	if err := store.ValidateFeed(feed); err != nil {
		return model.FeedSubscription{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.FeedSubscription{}, wrapErr("begin upsert feed", err)
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO calendar_feeds (id, user_id, provider, ics_url, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, ics_url) DO NOTHING
	`
	_, err = tx.ExecContext(ctx, insert,
		uuid.NewString(),
		feed.UserID,
		string(feed.Provider),
		feed.FeedURL,
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return model.FeedSubscription{}, wrapErr("insert feed", err)
	}

	const query = `SELECT id, user_id, provider, ics_url, created_at FROM calendar_feeds WHERE user_id = ? AND ics_url = ?`
	stored, err := scanFeed(tx.QueryRowContext(ctx, query, feed.UserID, feed.FeedURL))
	if err != nil {
		return model.FeedSubscription{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.FeedSubscription{}, wrapErr("commit upsert feed", err)
	}
	return stored, nil
}

func (s *Store) ListFeeds(ctx context.Context, userID string) ([]model.FeedSubscription, error) {
	const query = `SELECT id, user_id, provider, ics_url, created_at FROM calendar_feeds WHERE user_id = ? ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, wrapErr("query feeds", err)
	}
	defer rows.Close()

	out := make([]model.FeedSubscription, 0)
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM calendar_feeds ORDER BY user_id`)
	if err != nil {
		return nil, wrapErr("query users", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanShift(row scanner) (model.Shift, error) {
	var (
		sh                                     model.Shift
		provider                               string
		startTime, endTime, createdAt, updated string
	)
	err := row.Scan(
		&sh.ID,
		&sh.UserID,
		&provider,
		&sh.ExternalID,
		&startTime,
		&endTime,
		&sh.Title,
		&sh.Description,
		&sh.Location,
		&sh.Status,
		&createdAt,
		&updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Shift{}, store.ErrNotFound
	}
	if err != nil {
		return model.Shift{}, wrapErr("scanning shift", err)
	}
	sh.Provider = model.Provider(provider)
	sh.StartTime, _ = time.Parse(timeLayout, startTime)
	sh.EndTime, _ = time.Parse(timeLayout, endTime)
	sh.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	sh.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return sh, nil
}

func scanFeed(row scanner) (model.FeedSubscription, error) {
	var (
		f                   model.FeedSubscription
		provider, createdAt string
	)
	err := row.Scan(&f.ID, &f.UserID, &provider, &f.FeedURL, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FeedSubscription{}, store.ErrNotFound
	}
	if err != nil {
		return model.FeedSubscription{}, wrapErr("scanning feed", err)
	}
	f.Provider = model.Provider(provider)
	f.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return f, nil
}

// wrapErr marks closed-database failures as store.ErrUnavailable.
func wrapErr(op string, err error) error {
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
