package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"moltmonitor/internal/models"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS poll_states (
	endpoint      TEXT PRIMARY KEY,
	cursor        TEXT NOT NULL DEFAULT '',
	last_poll_at  TEXT NOT NULL DEFAULT '',
	error_count   INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	total_fetched INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS seen_items (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL DEFAULT '',
	first_seen  TEXT NOT NULL,
	last_seen   TEXT NOT NULL,
	occurrences INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_seen_items_last_seen ON seen_items (last_seen);
`

// SQLiteStorage implements the Storage interface on a SQLite database file.
// Timestamps are stored as RFC 3339 text so they sort lexically.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens the database, applies pool limits and creates the
// schema if it does not exist.
func NewSQLiteStorage(config Config) (*SQLiteStorage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	ctx := context.Background()

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// LoadPollStates returns every stored poll state
func (ss *SQLiteStorage) LoadPollStates(ctx context.Context) ([]models.PollStateRecord, error) {
	rows, err := ss.db.QueryContext(ctx, `
		SELECT endpoint, cursor, last_poll_at, error_count, last_error, total_fetched
		FROM poll_states ORDER BY endpoint`)
	if err != nil {
		return nil, fmt.Errorf("failed to query poll states: %w", err)
	}
	defer rows.Close()

	out := []models.PollStateRecord{}
	for rows.Next() {
		var r models.PollStateRecord
		if err := rows.Scan(&r.Endpoint, &r.Cursor, &r.LastPollAt, &r.ErrorCount, &r.LastError, &r.TotalFetched); err != nil {
			slog.Warn("Skipping unreadable poll state", "endpoint", r.Endpoint, "error", err)
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read poll states: %w", err)
	}
	return out, nil
}

// SavePollStates replaces the stored poll states in one transaction
func (ss *SQLiteStorage) SavePollStates(ctx context.Context, records []models.PollStateRecord) error {
	if err := validatePollStates(records); err != nil {
		return err
	}

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM poll_states`); err != nil {
		return fmt.Errorf("failed to clear poll states: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO poll_states (endpoint, cursor, last_poll_at, error_count, last_error, total_fetched)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Endpoint, r.Cursor, r.LastPollAt, r.ErrorCount, r.LastError, r.TotalFetched); err != nil {
			return fmt.Errorf("failed to save poll state %s: %w", r.Endpoint, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit poll states: %w", err)
	}
	return nil
}

// LoadSeenItems returns every stored deduplication record
func (ss *SQLiteStorage) LoadSeenItems(ctx context.Context) ([]models.SeenItemRecord, error) {
	rows, err := ss.db.QueryContext(ctx, `
		SELECT id, fingerprint, first_seen, last_seen, occurrences
		FROM seen_items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query seen items: %w", err)
	}
	defer rows.Close()

	out := []models.SeenItemRecord{}
	for rows.Next() {
		var (
			r                   models.SeenItemRecord
			firstSeen, lastSeen string
		)
		if err := rows.Scan(&r.ID, &r.Fingerprint, &firstSeen, &lastSeen, &r.Occurrences); err != nil {
			slog.Warn("Skipping unreadable seen item", "id", r.ID, "error", err)
			continue
		}
		if r.FirstSeen, err = textToTime(firstSeen); err != nil {
			slog.Warn("Skipping seen item with invalid timestamp", "id", r.ID, "error", err)
			continue
		}
		if r.LastSeen, err = textToTime(lastSeen); err != nil {
			slog.Warn("Skipping seen item with invalid timestamp", "id", r.ID, "error", err)
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read seen items: %w", err)
	}
	return out, nil
}

// SaveSeenItems upserts deduplication records in one transaction
func (ss *SQLiteStorage) SaveSeenItems(ctx context.Context, records []models.SeenItemRecord) error {
	if err := validateSeenItems(records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO seen_items (id, fingerprint, first_seen, last_seen, occurrences)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			first_seen  = excluded.first_seen,
			last_seen   = excluded.last_seen,
			occurrences = excluded.occurrences`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID, r.Fingerprint,
			timeToText(r.FirstSeen), timeToText(r.LastSeen), r.Occurrences); err != nil {
			return fmt.Errorf("failed to save seen item %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seen items: %w", err)
	}
	return nil
}

// PruneSeenItems removes records last seen before cutoff
func (ss *SQLiteStorage) PruneSeenItems(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := ss.db.ExecContext(ctx, `DELETE FROM seen_items WHERE last_seen < ?`, timeToText(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune seen items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned items: %w", err)
	}
	return int(n), nil
}

// Ping verifies the database is reachable
func (ss *SQLiteStorage) Ping(ctx context.Context) error {
	return ss.db.PingContext(ctx)
}

// Close closes the storage connection
func (ss *SQLiteStorage) Close() error {
	return ss.db.Close()
}
