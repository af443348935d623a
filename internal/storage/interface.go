package storage

import (
	"context"
	"moltmonitor/internal/models"
	"time"
)

// Storage persists the state the monitor needs to survive a restart: the
// poll state of every endpoint category and the deduplication records. It
// can be implemented by different backends such as JSON files or databases.
type Storage interface {
	// LoadPollStates returns every persisted poll state, sorted by endpoint
	LoadPollStates(ctx context.Context) ([]models.PollStateRecord, error)

	// SavePollStates replaces the persisted poll states with records
	SavePollStates(ctx context.Context, records []models.PollStateRecord) error

	// LoadSeenItems returns every persisted deduplication record, sorted by id
	LoadSeenItems(ctx context.Context) ([]models.SeenItemRecord, error)

	// SaveSeenItems inserts or updates the given deduplication records
	SaveSeenItems(ctx context.Context, records []models.SeenItemRecord) error

	// PruneSeenItems deletes records last seen before cutoff and returns how many were removed
	PruneSeenItems(ctx context.Context, cutoff time.Time) (int, error)

	// Ping verifies the backend is reachable
	Ping(ctx context.Context) error

	// Close closes the storage connection and cleans up resources
	Close() error
}

// Config holds configuration for storage backends
type Config struct {
	// Type specifies the storage backend type (json, memory, sqlite, postgres)
	Type string

	// Path is used for file-based storage backends
	Path string

	// ConnectionString is used for database backends
	ConnectionString string

	// Connection pool limits for database backends; zero keeps the driver default
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
