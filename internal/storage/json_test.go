package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"moltmonitor/internal/models"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONStorage(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "test.json")

	storage, err := NewJSONStorage(Config{Type: "json", Path: filePath})
	require.NoError(t, err)
	require.NotNil(t, storage)
	defer storage.Close()

	// Check that file was created
	assert.FileExists(t, filePath)

	var data JSONData
	raw, err := os.ReadFile(filePath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &data))
	assert.Empty(t, data.PollStates)
	assert.Empty(t, data.SeenItems)
	assert.False(t, data.LastUpdated.IsZero())
}

func TestNewJSONStorage_RequiresPath(t *testing.T) {
	_, err := NewJSONStorage(Config{Type: "json"})
	assert.Error(t, err)
}

func TestNewJSONStorage_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on Windows")
	}
	filePath := filepath.Join(t.TempDir(), "subdir", "test.json")

	storage, err := NewJSONStorage(Config{Type: "json", Path: filePath})
	require.NoError(t, err)
	defer storage.Close()

	// Directory must be traversable by owner only.
	dirInfo, err := os.Stat(filepath.Dir(filePath))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm(),
		"directory should be 0700 (owner rwx only)")

	// Data file must be readable/writable by owner only.
	fileInfo, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fileInfo.Mode().Perm(),
		"file should be 0600 (owner rw only)")
}

func TestJSONStorage(t *testing.T) {
	storage, err := NewJSONStorage(Config{Type: "json", Path: filepath.Join(t.TempDir(), "state.json")})
	require.NoError(t, err)
	defer storage.Close()

	testStorageContract(t, storage)
}

func TestJSONStorage_PersistsAcrossReopen(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := NewJSONStorage(Config{Path: filePath})
	require.NoError(t, err)
	require.NoError(t, first.SavePollStates(ctx, []models.PollStateRecord{
		{Endpoint: "new_posts", Cursor: "p9", LastPollAt: "2026-03-01T12:00:00Z", TotalFetched: 40},
	}))
	require.NoError(t, first.SaveSeenItems(ctx, []models.SeenItemRecord{
		{ID: "p9", Fingerprint: "f", FirstSeen: seen, LastSeen: seen, Occurrences: 2},
	}))
	require.NoError(t, first.Close())

	second, err := NewJSONStorage(Config{Path: filePath})
	require.NoError(t, err)
	defer second.Close()

	states, err := second.LoadPollStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "p9", states[0].Cursor)
	assert.Equal(t, int64(40), states[0].TotalFetched)

	items, err := second.LoadSeenItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].LastSeen.Equal(seen))
	assert.Equal(t, 2, items[0].Occurrences)

	// Upserts after reopen must hit the rebuilt index
	require.NoError(t, second.SaveSeenItems(ctx, []models.SeenItemRecord{
		{ID: "p9", FirstSeen: seen, LastSeen: seen.Add(time.Hour), Occurrences: 3},
	}))
	items, err = second.LoadSeenItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Occurrences)
}

func TestJSONStorage_CorruptFileMovedAside(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(filePath, []byte(`{"poll_states": [`), 0600))

	storage, err := NewJSONStorage(Config{Path: filePath})
	require.NoError(t, err)
	defer storage.Close()

	states, err := storage.LoadPollStates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, states)

	aside, err := os.ReadFile(filePath + ".corrupt")
	require.NoError(t, err)
	assert.Equal(t, `{"poll_states": [`, string(aside))
	assert.FileExists(t, filePath)
}

func TestJSONStorage_NullListsLoadEmpty(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(filePath, []byte(`{"poll_states": null, "seen_items": null}`), 0600))

	storage, err := NewJSONStorage(Config{Path: filePath})
	require.NoError(t, err)
	defer storage.Close()

	items, err := storage.LoadSeenItems(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestJSONStorage_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "state.json")
	storage, err := NewJSONStorage(Config{Path: filePath})
	require.NoError(t, err)
	defer storage.Close()

	require.NoError(t, storage.SavePollStates(context.Background(), []models.PollStateRecord{{Endpoint: "hot_posts"}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "state.json.tmp", e.Name())
	}
}

func TestJSONStorage_Closed(t *testing.T) {
	storage, err := NewJSONStorage(Config{Path: filepath.Join(t.TempDir(), "state.json")})
	require.NoError(t, err)
	require.NoError(t, storage.Close())
	ctx := context.Background()

	_, err = storage.LoadPollStates(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, storage.SavePollStates(ctx, nil), ErrClosed)
	_, err = storage.PruneSeenItems(ctx, time.Now())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, storage.Ping(ctx), ErrClosed)
}

func TestJSONStorage_PingDetectsMissingFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "state.json")
	storage, err := NewJSONStorage(Config{Path: filePath})
	require.NoError(t, err)
	defer storage.Close()

	require.NoError(t, os.Remove(filePath))
	assert.Error(t, storage.Ping(context.Background()))
}

func TestJSONStorage_ConcurrentSaves(t *testing.T) {
	storage, err := NewJSONStorage(Config{Path: filepath.Join(t.TempDir(), "state.json")})
	require.NoError(t, err)
	defer storage.Close()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i)
			assert.NoError(t, storage.SaveSeenItems(ctx, []models.SeenItemRecord{
				{ID: id, FirstSeen: now, LastSeen: now, Occurrences: 1},
			}))
			_, err := storage.LoadSeenItems(ctx)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	items, err := storage.LoadSeenItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 10)
}
