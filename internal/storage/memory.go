package storage

import (
	"context"
	"moltmonitor/internal/models"
	"sync"
	"time"
)

// MemoryStorage implements the Storage interface using in-memory data structures.
// This provider is ideal for development, testing, and scenarios where data
// persistence is not required. It provides fast access but data is lost on restart.
type MemoryStorage struct {
	mu         sync.RWMutex
	pollStates map[string]models.PollStateRecord // keyed by endpoint
	seenItems  map[string]models.SeenItemRecord  // keyed by item id
	closed     bool
}

// NewMemoryStorage creates a new memory-based storage instance
func NewMemoryStorage(config Config) (*MemoryStorage, error) {
	return &MemoryStorage{
		pollStates: make(map[string]models.PollStateRecord),
		seenItems:  make(map[string]models.SeenItemRecord),
	}, nil
}

// LoadPollStates returns every stored poll state
func (m *MemoryStorage) LoadPollStates(ctx context.Context) ([]models.PollStateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]models.PollStateRecord, 0, len(m.pollStates))
	for _, r := range m.pollStates {
		out = append(out, r)
	}
	sortPollStates(out)
	return out, nil
}

// SavePollStates replaces the stored poll states
func (m *MemoryStorage) SavePollStates(ctx context.Context, records []models.PollStateRecord) error {
	if err := validatePollStates(records); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	clear(m.pollStates)
	for _, r := range records {
		m.pollStates[r.Endpoint] = r
	}
	return nil
}

// LoadSeenItems returns every stored deduplication record
func (m *MemoryStorage) LoadSeenItems(ctx context.Context) ([]models.SeenItemRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]models.SeenItemRecord, 0, len(m.seenItems))
	for _, r := range m.seenItems {
		out = append(out, r)
	}
	sortSeenItems(out)
	return out, nil
}

// SaveSeenItems inserts or updates deduplication records
func (m *MemoryStorage) SaveSeenItems(ctx context.Context, records []models.SeenItemRecord) error {
	if err := validateSeenItems(records); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, r := range records {
		m.seenItems[r.ID] = r
	}
	return nil
}

// PruneSeenItems removes records last seen before cutoff
func (m *MemoryStorage) PruneSeenItems(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	removed := 0
	for id, r := range m.seenItems {
		if r.LastSeen.Before(cutoff) {
			delete(m.seenItems, id)
			removed++
		}
	}
	return removed, nil
}

// Ping reports whether the storage is still open
func (m *MemoryStorage) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close is a no-op for memory storage beyond refusing further use
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
