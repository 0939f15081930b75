package messages_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semretrieve/semretrieve-go/pkg/messages"
	"github.com/semretrieve/semretrieve-go/pkg/storage"
	sqliteStore "github.com/semretrieve/semretrieve-go/pkg/storage/sqlite"
	"github.com/semretrieve/semretrieve-go/pkg/vecmath"
)

func setupIndexTest(t *testing.T) *messages.Index {
	t.Helper()

	store, err := sqliteStore.NewClient(&sqliteStore.Config{
		DBPath: filepath.Join(t.TempDir(), "messages.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return messages.NewIndex(store, node, nil)
}

// vectorAt returns a unit vector whose cosine similarity to (1, 0) is
// exactly s.
func vectorAt(s float64) []float32 {
	return []float32{float32(s), float32(math.Sqrt(1 - s*s))}
}

func TestIndexInsertGeneratesID(t *testing.T) {
	index := setupIndexTest(t)
	ctx := context.Background()

	id, err := index.Insert(ctx, &storage.Message{
		UserID:            "user1",
		Platform:          "discord",
		PlatformMessageID: "pm-1",
		ChannelID:         "c1",
		Content:           "hello",
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	// Re-inserting the same platform message returns the first id.
	again, err := index.Insert(ctx, &storage.Message{
		UserID:            "user1",
		Platform:          "discord",
		PlatformMessageID: "pm-1",
		ChannelID:         "c1",
		Content:           "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestIndexSearchDecayRanking(t *testing.T) {
	index := setupIndexTest(t)
	ctx := context.Background()

	oneDayAgo := time.Now().UTC().Add(-24 * time.Hour)
	for i, similarity := range []float64{0.9, 0.6, 0.2} {
		_, err := index.Insert(ctx, &storage.Message{
			UserID:            "user1",
			Platform:          "discord",
			PlatformMessageID: fmt.Sprintf("pm-%d", i),
			ChannelID:         "c1",
			Content:           fmt.Sprintf("message %d", i),
			Embedding:         vectorAt(similarity),
			CreatedAt:         oneDayAgo,
		})
		require.NoError(t, err)
	}

	query := []float32{1, 0}
	results, err := index.Search(ctx, query, &messages.SearchOptions{
		ChannelID:   "c1",
		Limit:       2,
		DecayFactor: 0.98,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "message 0", results[0].Content)
	assert.Equal(t, "message 1", results[1].Content)
	assert.InDelta(t, 0.9, results[0].Similarity, 1e-4)
	assert.InDelta(t, 0.9*0.98, results[0].Score, 1e-3)
	assert.InDelta(t, 0.6*0.98, results[1].Score, 1e-3)
}

func TestIndexSearchSkipsUnembeddedRows(t *testing.T) {
	index := setupIndexTest(t)
	ctx := context.Background()

	_, err := index.Insert(ctx, &storage.Message{
		UserID:            "user1",
		Platform:          "discord",
		PlatformMessageID: "pm-1",
		ChannelID:         "c1",
		Content:           "no embedding yet",
	})
	require.NoError(t, err)

	results, err := index.Search(ctx, []float32{1, 0}, &messages.SearchOptions{ChannelID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, results)

	// Embedding-less rows remain reachable by recency.
	recent, err := index.Recent(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestIndexSearchDefaultTimeWindow(t *testing.T) {
	index := setupIndexTest(t)
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := index.Insert(ctx, &storage.Message{
		UserID:            "user1",
		Platform:          "discord",
		PlatformMessageID: "pm-old",
		ChannelID:         "c1",
		Content:           "ancient history",
		Embedding:         vectorAt(0.9),
		CreatedAt:         now.Add(-45 * 24 * time.Hour),
	})
	require.NoError(t, err)

	results, err := index.Search(ctx, []float32{1, 0}, &messages.SearchOptions{ChannelID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, results)

	// Explicit opt-out of the window surfaces the old row.
	results, err = index.Search(ctx, []float32{1, 0}, &messages.SearchOptions{
		ChannelID:   "c1",
		NoTimeRange: true,
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestIndexSearchDimensionMismatch(t *testing.T) {
	index := setupIndexTest(t)
	ctx := context.Background()

	_, err := index.Insert(ctx, &storage.Message{
		UserID:            "user1",
		Platform:          "discord",
		PlatformMessageID: "pm-1",
		ChannelID:         "c1",
		Content:           "hello",
		Embedding:         []float32{1, 0},
		CreatedAt:         time.Now().UTC(),
	})
	require.NoError(t, err)

	_, err = index.Search(ctx, []float32{1, 0, 0}, &messages.SearchOptions{ChannelID: "c1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, vecmath.ErrDimensionMismatch))
}
