package storage

import (
	"context"
	"errors"
	"moltmonitor/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStorageContract exercises the behaviour every backend must share.
func testStorageContract(t *testing.T, storage Storage) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Empty Storage", func(t *testing.T) {
		states, err := storage.LoadPollStates(ctx)
		require.NoError(t, err)
		assert.Empty(t, states)
		assert.NotNil(t, states)

		items, err := storage.LoadSeenItems(ctx)
		require.NoError(t, err)
		assert.Empty(t, items)
		assert.NotNil(t, items)
	})

	t.Run("Poll States Replace", func(t *testing.T) {
		first := []models.PollStateRecord{
			{Endpoint: "new_posts", Cursor: "p10", LastPollAt: "2026-03-01T12:00:00Z", TotalFetched: 25},
			{Endpoint: "hot_posts", ErrorCount: 2, LastError: "upstream returned status 503"},
		}
		require.NoError(t, storage.SavePollStates(ctx, first))

		states, err := storage.LoadPollStates(ctx)
		require.NoError(t, err)
		require.Len(t, states, 2)
		assert.Equal(t, "hot_posts", states[0].Endpoint)
		assert.Equal(t, 2, states[0].ErrorCount)
		assert.Equal(t, "upstream returned status 503", states[0].LastError)
		assert.Equal(t, first[0], states[1])

		second := []models.PollStateRecord{{Endpoint: "top_posts", Cursor: "t1"}}
		require.NoError(t, storage.SavePollStates(ctx, second))
		states, err = storage.LoadPollStates(ctx)
		require.NoError(t, err)
		assert.Equal(t, second, states)
	})

	t.Run("Poll States Keep Malformed Times", func(t *testing.T) {
		records := []models.PollStateRecord{{Endpoint: "new_posts", LastPollAt: "not-a-time"}}
		require.NoError(t, storage.SavePollStates(ctx, records))
		states, err := storage.LoadPollStates(ctx)
		require.NoError(t, err)
		require.Len(t, states, 1)
		assert.Equal(t, "not-a-time", states[0].LastPollAt)
	})

	t.Run("Poll States Validation", func(t *testing.T) {
		err := storage.SavePollStates(ctx, []models.PollStateRecord{{Cursor: "orphan"}})
		assert.Error(t, err)
	})

	t.Run("Seen Items Upsert", func(t *testing.T) {
		items := []models.SeenItemRecord{
			{ID: "p2", Fingerprint: "abc", FirstSeen: base, LastSeen: base, Occurrences: 1},
			{ID: "p1", FirstSeen: base, LastSeen: base.Add(time.Minute), Occurrences: 3},
		}
		require.NoError(t, storage.SaveSeenItems(ctx, items))

		update := []models.SeenItemRecord{
			{ID: "p2", Fingerprint: "def", FirstSeen: base, LastSeen: base.Add(time.Hour), Occurrences: 2},
		}
		require.NoError(t, storage.SaveSeenItems(ctx, update))

		loaded, err := storage.LoadSeenItems(ctx)
		require.NoError(t, err)
		require.Len(t, loaded, 2)
		assert.Equal(t, "p1", loaded[0].ID)
		assert.Equal(t, 3, loaded[0].Occurrences)
		assert.True(t, loaded[0].LastSeen.Equal(base.Add(time.Minute)))

		assert.Equal(t, "p2", loaded[1].ID)
		assert.Equal(t, "def", loaded[1].Fingerprint)
		assert.Equal(t, 2, loaded[1].Occurrences)
		assert.True(t, loaded[1].FirstSeen.Equal(base))
		assert.True(t, loaded[1].LastSeen.Equal(base.Add(time.Hour)))
	})

	t.Run("Seen Items Empty Save", func(t *testing.T) {
		assert.NoError(t, storage.SaveSeenItems(ctx, nil))
	})

	t.Run("Seen Items Validation", func(t *testing.T) {
		err := storage.SaveSeenItems(ctx, []models.SeenItemRecord{{Fingerprint: "x"}})
		assert.Error(t, err)
	})

	t.Run("Prune Seen Items", func(t *testing.T) {
		removed, err := storage.PruneSeenItems(ctx, base.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		loaded, err := storage.LoadSeenItems(ctx)
		require.NoError(t, err)
		require.Len(t, loaded, 1)
		assert.Equal(t, "p2", loaded[0].ID)

		removed, err = storage.PruneSeenItems(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, 0, removed)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, storage.Ping(ctx))
	})
}

func TestMemoryStorage(t *testing.T) {
	storage, err := NewMemoryStorage(Config{})
	if err != nil {
		t.Fatalf("Failed to create memory storage: %v", err)
	}
	defer storage.Close()

	testStorageContract(t, storage)
}

func TestMemoryStorageReturnsCopies(t *testing.T) {
	storage, err := NewMemoryStorage(Config{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, storage.SavePollStates(ctx, []models.PollStateRecord{{Endpoint: "new_posts", Cursor: "a"}}))
	states, err := storage.LoadPollStates(ctx)
	require.NoError(t, err)
	states[0].Cursor = "mutated"

	states, err = storage.LoadPollStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", states[0].Cursor)
}

func TestMemoryStorageClosed(t *testing.T) {
	storage, err := NewMemoryStorage(Config{})
	require.NoError(t, err)
	require.NoError(t, storage.Close())
	ctx := context.Background()

	_, err = storage.LoadPollStates(ctx)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.ErrorIs(t, storage.SavePollStates(ctx, nil), ErrClosed)
	_, err = storage.LoadSeenItems(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, storage.SaveSeenItems(ctx, []models.SeenItemRecord{{ID: "p1"}}), ErrClosed)
	_, err = storage.PruneSeenItems(ctx, time.Now())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, storage.Ping(ctx), ErrClosed)
}
