package core_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semretrieve/semretrieve-go/pkg/core"
	"github.com/semretrieve/semretrieve-go/pkg/knowledge"
	"github.com/semretrieve/semretrieve-go/pkg/memory"
	"github.com/semretrieve/semretrieve-go/pkg/storage"
)

func setupClientTest(t *testing.T) *core.Client {
	t.Helper()

	client, err := core.NewClient(&core.Config{
		Store: core.StoreConfig{
			Provider: "sqlite",
			DBPath:   filepath.Join(t.TempDir(), "client.db"),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewClientConnectionFailure(t *testing.T) {
	// /dev/null is not a directory, so the sqlite path cannot be created.
	_, err := core.NewClient(&core.Config{
		Store: core.StoreConfig{
			Provider: "sqlite",
			DBPath:   "/dev/null/sub/client.db",
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConnectionFailed))
}

func TestNewClientUnknownStoreProvider(t *testing.T) {
	_, err := core.NewClient(&core.Config{
		Store: core.StoreConfig{Provider: "oracle"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))
}

func TestInsertMessageRejectsMissingPlatformKey(t *testing.T) {
	client := setupClientTest(t)
	ctx := context.Background()

	_, err := client.InsertMessage(ctx, &storage.Message{
		UserID:    "user1",
		ChannelID: "c1",
		Content:   "hello",
		CreatedAt: time.Now().UTC(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}

func TestSaveMemoryRejectsInvalidInput(t *testing.T) {
	client := setupClientTest(t)
	ctx := context.Background()

	_, err := client.SaveMemory(ctx, &memory.SaveParams{
		Scope:   memory.DMScope(),
		Type:    storage.MemoryTypeFact,
		Content: "no user attached",
		Source:  storage.SourceExplicit,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidInput))

	_, err = client.SaveMemory(ctx, &memory.SaveParams{
		UserID:  "user1",
		Scope:   memory.DMScope(),
		Type:    storage.MemoryTypeFact,
		Content: "   ",
		Source:  storage.SourceExplicit,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}

func TestAddKnowledgeRejectsMissingGuild(t *testing.T) {
	client := setupClientTest(t)
	ctx := context.Background()

	_, err := client.AddKnowledge(ctx, &knowledge.AddParams{
		Content: "orphaned knowledge",
		AddedBy: "admin",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}

func TestClientDegradedRoundTrip(t *testing.T) {
	client := setupClientTest(t)
	ctx := context.Background()

	assert.False(t, client.IsEmbeddingReady())

	result, err := client.SaveMemory(ctx, &memory.SaveParams{
		UserID:  "user1",
		Scope:   memory.GuildScope("g1"),
		Type:    storage.MemoryTypePreference,
		Content: "prefers short answers",
		Source:  storage.SourceExplicit,
	})
	require.NoError(t, err)
	assert.False(t, result.Updated)

	rows, err := client.GetMemories(ctx, "user1", memory.GuildScope("g1"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "prefers short answers", rows[0].Content)
}
