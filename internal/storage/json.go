package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"moltmonitor/internal/models"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JSONStorage implements the Storage interface using a single JSON file.
// The file is read once at startup and rewritten atomically on every save;
// reads are served from memory.
type JSONStorage struct {
	filePath string
	mu       sync.RWMutex
	data     *JSONData
	seen     map[string]int // item id -> index in data.SeenItems
	closed   bool
}

// JSONData represents the structure of data stored in JSON format
type JSONData struct {
	PollStates  []models.PollStateRecord `json:"poll_states"`
	SeenItems   []models.SeenItemRecord  `json:"seen_items"`
	LastUpdated time.Time                `json:"last_updated"`
}

// NewJSONStorage creates a new JSON-based storage instance. A file that
// cannot be parsed is moved aside to "<path>.corrupt" and replaced with an
// empty one.
func NewJSONStorage(config Config) (*JSONStorage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("path is required for JSON storage")
	}

	storage := &JSONStorage{filePath: config.Path}

	// Initialize with empty data if file doesn't exist
	if err := storage.ensureFileExists(); err != nil {
		return nil, fmt.Errorf("failed to ensure file exists: %w", err)
	}

	if err := storage.loadData(); err != nil {
		return nil, fmt.Errorf("failed to load initial data: %w", err)
	}

	return storage, nil
}

func emptyData() *JSONData {
	return &JSONData{
		PollStates:  []models.PollStateRecord{},
		SeenItems:   []models.SeenItemRecord{},
		LastUpdated: time.Now(),
	}
}

// ensureFileExists creates the JSON file with empty data if it doesn't exist
func (j *JSONStorage) ensureFileExists() error {
	if _, err := os.Stat(j.filePath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(j.filePath), 0700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		return j.saveData(emptyData())
	}
	return nil
}

// loadData reads the file into memory
func (j *JSONStorage) loadData() error {
	fileData, err := os.ReadFile(j.filePath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var data JSONData
	if err := json.Unmarshal(fileData, &data); err != nil {
		aside := j.filePath + ".corrupt"
		slog.Warn("Persisted state file is unreadable, starting fresh",
			"path", j.filePath, "moved_to", aside, "error", err)
		if err := os.Rename(j.filePath, aside); err != nil {
			return fmt.Errorf("failed to move unreadable file aside: %w", err)
		}
		data = *emptyData()
		if err := j.saveData(&data); err != nil {
			return err
		}
	}
	if data.PollStates == nil {
		data.PollStates = []models.PollStateRecord{}
	}
	if data.SeenItems == nil {
		data.SeenItems = []models.SeenItemRecord{}
	}

	j.data = &data
	j.reindex()
	return nil
}

func (j *JSONStorage) reindex() {
	j.seen = make(map[string]int, len(j.data.SeenItems))
	for i, r := range j.data.SeenItems {
		j.seen[r.ID] = i
	}
}

// saveData writes data to a temporary file and renames it over the original
func (j *JSONStorage) saveData(data *JSONData) error {
	data.LastUpdated = time.Now()

	fileData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	tmp := j.filePath + ".tmp"
	if err := os.WriteFile(tmp, fileData, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, j.filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

// LoadPollStates returns every stored poll state
func (j *JSONStorage) LoadPollStates(ctx context.Context) ([]models.PollStateRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	// Return a copy to prevent external modification
	out := make([]models.PollStateRecord, len(j.data.PollStates))
	copy(out, j.data.PollStates)
	sortPollStates(out)
	return out, nil
}

// SavePollStates replaces the stored poll states
func (j *JSONStorage) SavePollStates(ctx context.Context, records []models.PollStateRecord) error {
	if err := validatePollStates(records); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	states := make([]models.PollStateRecord, len(records))
	copy(states, records)
	sortPollStates(states)
	j.data.PollStates = states
	return j.saveData(j.data)
}

// LoadSeenItems returns every stored deduplication record
func (j *JSONStorage) LoadSeenItems(ctx context.Context) ([]models.SeenItemRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	out := make([]models.SeenItemRecord, len(j.data.SeenItems))
	copy(out, j.data.SeenItems)
	sortSeenItems(out)
	return out, nil
}

// SaveSeenItems inserts or updates deduplication records
func (j *JSONStorage) SaveSeenItems(ctx context.Context, records []models.SeenItemRecord) error {
	if err := validateSeenItems(records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	for _, r := range records {
		if i, ok := j.seen[r.ID]; ok {
			j.data.SeenItems[i] = r
			continue
		}
		j.seen[r.ID] = len(j.data.SeenItems)
		j.data.SeenItems = append(j.data.SeenItems, r)
	}
	return j.saveData(j.data)
}

// PruneSeenItems removes records last seen before cutoff
func (j *JSONStorage) PruneSeenItems(ctx context.Context, cutoff time.Time) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}

	kept := j.data.SeenItems[:0]
	for _, r := range j.data.SeenItems {
		if !r.LastSeen.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	removed := len(j.data.SeenItems) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	j.data.SeenItems = kept
	j.reindex()
	return removed, j.saveData(j.data)
}

// Ping verifies the backing file is still present
func (j *JSONStorage) Ping(ctx context.Context) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	if _, err := os.Stat(j.filePath); err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	return nil
}

// Close releases the storage
func (j *JSONStorage) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}
