package storage

import (
	"context"
	"fmt"
	"moltmonitor/internal/models"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS poll_states (
	endpoint      TEXT PRIMARY KEY,
	cursor        TEXT NOT NULL DEFAULT '',
	last_poll_at  TEXT NOT NULL DEFAULT '',
	error_count   INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	total_fetched BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS seen_items (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL DEFAULT '',
	first_seen  TIMESTAMPTZ NOT NULL,
	last_seen   TIMESTAMPTZ NOT NULL,
	occurrences INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_seen_items_last_seen ON seen_items (last_seen);
`

const upsertSeenItemSQL = `
INSERT INTO seen_items (id, fingerprint, first_seen, last_seen, occurrences)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	fingerprint = EXCLUDED.fingerprint,
	first_seen  = EXCLUDED.first_seen,
	last_seen   = EXCLUDED.last_seen,
	occurrences = EXCLUDED.occurrences`

// PostgresStorage implements the Storage interface using PostgreSQL.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage creates a new PostgreSQL storage instance and ensures
// the schema exists.
func NewPostgresStorage(config Config) (*PostgresStorage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(min(config.MaxIdleConns, int(poolConfig.MaxConns)))
	}
	if config.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

// LoadPollStates returns every stored poll state.
func (ps *PostgresStorage) LoadPollStates(ctx context.Context) ([]models.PollStateRecord, error) {
	rows, err := ps.pool.Query(ctx, `
		SELECT endpoint, cursor, last_poll_at, error_count, last_error, total_fetched
		FROM poll_states ORDER BY endpoint`)
	if err != nil {
		return nil, fmt.Errorf("failed to query poll states: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PollStateRecord, error) {
		var r models.PollStateRecord
		err := row.Scan(&r.Endpoint, &r.Cursor, &r.LastPollAt, &r.ErrorCount, &r.LastError, &r.TotalFetched)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read poll states: %w", err)
	}
	return out, nil
}

// SavePollStates replaces the stored poll states in one transaction.
func (ps *PostgresStorage) SavePollStates(ctx context.Context, records []models.PollStateRecord) error {
	if err := validatePollStates(records); err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, ps.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		batch.Queue(`DELETE FROM poll_states`)
		for _, r := range records {
			batch.Queue(`
				INSERT INTO poll_states (endpoint, cursor, last_poll_at, error_count, last_error, total_fetched)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				r.Endpoint, r.Cursor, r.LastPollAt, r.ErrorCount, r.LastError, r.TotalFetched)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save poll states: %w", err)
		}
		return nil
	})
}

// LoadSeenItems returns every stored deduplication record.
func (ps *PostgresStorage) LoadSeenItems(ctx context.Context) ([]models.SeenItemRecord, error) {
	rows, err := ps.pool.Query(ctx, `
		SELECT id, fingerprint, first_seen, last_seen, occurrences
		FROM seen_items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query seen items: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.SeenItemRecord, error) {
		var (
			r                   models.SeenItemRecord
			firstSeen, lastSeen pgtype.Timestamptz
		)
		if err := row.Scan(&r.ID, &r.Fingerprint, &firstSeen, &lastSeen, &r.Occurrences); err != nil {
			return r, err
		}
		r.FirstSeen = pgTimestamptzToTime(firstSeen)
		r.LastSeen = pgTimestamptzToTime(lastSeen)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read seen items: %w", err)
	}
	return out, nil
}

// SaveSeenItems upserts deduplication records in a single batch.
func (ps *PostgresStorage) SaveSeenItems(ctx context.Context, records []models.SeenItemRecord) error {
	if err := validateSeenItems(records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(upsertSeenItemSQL, r.ID, r.Fingerprint,
			timeToPgTimestamptz(r.FirstSeen), timeToPgTimestamptz(r.LastSeen), r.Occurrences)
	}
	if err := ps.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save seen items: %w", err)
	}
	return nil
}

// PruneSeenItems removes records last seen before cutoff.
func (ps *PostgresStorage) PruneSeenItems(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := ps.pool.Exec(ctx, `DELETE FROM seen_items WHERE last_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune seen items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping verifies the database is reachable.
func (ps *PostgresStorage) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

// Close closes the connection pool.
func (ps *PostgresStorage) Close() error {
	ps.pool.Close()
	return nil
}

// pgtype helpers

func pgTimestamptzToTime(ts pgtype.Timestamptz) time.Time {
	if !ts.Valid {
		return time.Time{}
	}
	return ts.Time.UTC()
}

func timeToPgTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{Time: time.Now(), Valid: true}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}
