package memory_test

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semretrieve/semretrieve-go/pkg/gateway"
	"github.com/semretrieve/semretrieve-go/pkg/memory"
	"github.com/semretrieve/semretrieve-go/pkg/storage"
	sqliteStore "github.com/semretrieve/semretrieve-go/pkg/storage/sqlite"
)

const testDims = 16

// stubProvider serves fixed vectors per text.
type stubProvider struct {
	vectors map[string][]float32
}

func (p *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, ok := p.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no stub vector for %q", text)
	}
	return vec, nil
}

func (p *stubProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func (p *stubProvider) Dimensions() int { return testDims }
func (p *stubProvider) Close() error    { return nil }

// oneHot returns a vector orthogonal to every other one-hot index.
func oneHot(i int) []float32 {
	vec := make([]float32, testDims)
	vec[i%testDims] = 1
	return vec
}

// similarTo returns a vector whose cosine similarity to oneHot(i) is s.
func similarTo(i int, s float64) []float32 {
	vec := make([]float32, testDims)
	vec[i%testDims] = float32(s)
	vec[(i+1)%testDims] = float32(math.Sqrt(1 - s*s))
	return vec
}

func setupMemoryTest(t *testing.T, provider *stubProvider) *memory.Store {
	t.Helper()

	store, err := sqliteStore.NewClient(&sqliteStore.Config{
		DBPath: filepath.Join(t.TempDir(), "memories.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	var gw *gateway.Gateway
	if provider != nil {
		gw = gateway.New(provider, &gateway.Config{Backoff: time.Millisecond})
	} else {
		gw = gateway.New(nil, nil)
	}

	return memory.NewStore(store, gw, node, nil)
}

func TestSaveDedupConvergence(t *testing.T) {
	provider := &stubProvider{vectors: map[string][]float32{
		"likes Python":               oneHot(0),
		"prefers Python programming": similarTo(0, 0.95),
	}}
	store := setupMemoryTest(t, provider)
	ctx := context.Background()
	scope := memory.GuildScope("g1")

	first, err := store.Save(ctx, &memory.SaveParams{
		UserID:  "user1",
		Scope:   scope,
		Type:    storage.MemoryTypePreference,
		Content: "likes Python",
		Source:  storage.SourceInferred,
	})
	require.NoError(t, err)
	assert.False(t, first.Updated)

	second, err := store.Save(ctx, &memory.SaveParams{
		UserID:  "user1",
		Scope:   scope,
		Type:    storage.MemoryTypePreference,
		Content: "prefers Python programming",
		Source:  storage.SourceInferred,
	})
	require.NoError(t, err)
	assert.True(t, second.Updated)
	assert.Equal(t, first.ID, second.ID)

	rows, err := store.GetMemories(ctx, "user1", scope)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "prefers Python programming", rows[0].Content)
}

func TestSaveConcurrentNearDuplicatesConverge(t *testing.T) {
	provider := &stubProvider{vectors: map[string][]float32{
		"enjoys roguelikes":        oneHot(0),
		"really enjoys roguelikes": similarTo(0, 0.95),
	}}
	store := setupMemoryTest(t, provider)
	ctx := context.Background()

	// Two near-duplicate saves racing into the same partition must
	// serialize on the partition lock: one inserts, the other converges
	// onto the inserted row.
	for round := 0; round < 20; round++ {
		scope := memory.GuildScope(fmt.Sprintf("g%d", round))

		var wg sync.WaitGroup
		results := make([]*memory.SaveResult, 2)
		errs := make([]error, 2)
		for i, content := range []string{"enjoys roguelikes", "really enjoys roguelikes"} {
			wg.Add(1)
			go func(i int, content string) {
				defer wg.Done()
				results[i], errs[i] = store.Save(ctx, &memory.SaveParams{
					UserID:  "user1",
					Scope:   scope,
					Type:    storage.MemoryTypePreference,
					Content: content,
					Source:  storage.SourceInferred,
				})
			}(i, content)
		}
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		rows, err := store.GetMemories(ctx, "user1", scope)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
		assert.Equal(t, results[0].ID, results[1].ID)
		assert.NotEqual(t, results[0].Updated, results[1].Updated)
	}
}

func TestSaveDedupIsTypeScoped(t *testing.T) {
	// Identical vectors in different type partitions must not merge.
	provider := &stubProvider{vectors: map[string][]float32{
		"likes Python": oneHot(0),
	}}
	store := setupMemoryTest(t, provider)
	ctx := context.Background()
	scope := memory.GuildScope("g1")

	for _, memType := range []storage.MemoryType{storage.MemoryTypePreference, storage.MemoryTypeFact} {
		result, err := store.Save(ctx, &memory.SaveParams{
			UserID:  "user1",
			Scope:   scope,
			Type:    memType,
			Content: "likes Python",
			Source:  storage.SourceExplicit,
		})
		require.NoError(t, err)
		assert.False(t, result.Updated)
	}

	rows, err := store.GetMemories(ctx, "user1", scope)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSaveEvictionBound(t *testing.T) {
	vectors := make(map[string][]float32)
	for i := 0; i < 12; i++ {
		vectors[fmt.Sprintf("observation %d", i)] = oneHot(i)
	}
	provider := &stubProvider{vectors: vectors}
	store := setupMemoryTest(t, provider)
	ctx := context.Background()
	scope := memory.GuildScope("g1")

	for i := 0; i < 12; i++ {
		_, err := store.Save(ctx, &memory.SaveParams{
			UserID:  "user1",
			Scope:   scope,
			Type:    storage.MemoryTypeContext,
			Content: fmt.Sprintf("observation %d", i),
			Source:  storage.SourceInferred,
		})
		require.NoError(t, err)

		count, err := store.Count(ctx, "user1", scope)
		require.NoError(t, err)
		assert.LessOrEqual(t, count.Inferred, memory.DefaultInferredCap)

		// Distinct updatedAt per row keeps oldest-by-update well defined.
		time.Sleep(2 * time.Millisecond)
	}

	// The survivors are the 10 most recently saved observations.
	rows, err := store.GetMemories(ctx, "user1", scope)
	require.NoError(t, err)
	require.Len(t, rows, memory.DefaultInferredCap)
	assert.Equal(t, "observation 11", rows[0].Content)
	assert.Equal(t, "observation 2", rows[len(rows)-1].Content)
}

func TestSaveExplicitNotEvicted(t *testing.T) {
	vectors := make(map[string][]float32)
	for i := 0; i < 12; i++ {
		vectors[fmt.Sprintf("note %d", i)] = oneHot(i)
	}
	provider := &stubProvider{vectors: vectors}
	store := setupMemoryTest(t, provider)
	ctx := context.Background()
	scope := memory.DMScope()

	for i := 0; i < 12; i++ {
		_, err := store.Save(ctx, &memory.SaveParams{
			UserID:  "user1",
			Scope:   scope,
			Type:    storage.MemoryTypeFact,
			Content: fmt.Sprintf("note %d", i),
			Source:  storage.SourceExplicit,
		})
		require.NoError(t, err)
	}

	count, err := store.Count(ctx, "user1", scope)
	require.NoError(t, err)
	assert.Equal(t, 12, count.Explicit)
	assert.Equal(t, 0, count.Inferred)
}

func TestSaveDegradedWithoutProvider(t *testing.T) {
	store := setupMemoryTest(t, nil)
	ctx := context.Background()
	scope := memory.GlobalScope()

	// No provider: dedup is impossible, both rows land.
	for i := 0; i < 2; i++ {
		result, err := store.Save(ctx, &memory.SaveParams{
			UserID:  "user1",
			Scope:   scope,
			Type:    storage.MemoryTypeFact,
			Content: "the same fact",
			Source:  storage.SourceExplicit,
		})
		require.NoError(t, err)
		assert.False(t, result.Updated)
	}

	rows, err := store.GetMemories(ctx, "user1", scope)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Nil(t, rows[0].Embedding)
}

func TestGetMemoriesForPromptSemantic(t *testing.T) {
	provider := &stubProvider{vectors: map[string][]float32{
		"works as a chef":    oneHot(0),
		"owns three cats":    oneHot(5),
		"what should I cook?": similarTo(0, 0.8),
	}}
	store := setupMemoryTest(t, provider)
	ctx := context.Background()
	scope := memory.GuildScope("g1")

	for _, content := range []string{"works as a chef", "owns three cats"} {
		_, err := store.Save(ctx, &memory.SaveParams{
			UserID:  "user1",
			Scope:   scope,
			Type:    storage.MemoryTypeFact,
			Content: content,
			Source:  storage.SourceExplicit,
		})
		require.NoError(t, err)
	}

	rows, err := store.GetMemoriesForPrompt(ctx, &memory.PromptParams{
		UserID:         "user1",
		Scope:          scope,
		CurrentMessage: "what should I cook?",
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "works as a chef", rows[0].Content)
}

func TestGetMemoriesForPromptRecencyFallback(t *testing.T) {
	store := setupMemoryTest(t, nil)
	ctx := context.Background()
	scope := memory.GuildScope("g1")

	for i := 0; i < 3; i++ {
		_, err := store.Save(ctx, &memory.SaveParams{
			UserID:  "user1",
			Scope:   scope,
			Type:    storage.MemoryTypeFact,
			Content: fmt.Sprintf("fact %d", i),
			Source:  storage.SourceExplicit,
		})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	rows, err := store.GetMemoriesForPrompt(ctx, &memory.PromptParams{
		UserID:         "user1",
		Scope:          scope,
		CurrentMessage: "anything",
		Limit:          2,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "fact 2", rows[0].Content)
	assert.Equal(t, "fact 1", rows[1].Content)
}

func TestScopeKeysPartition(t *testing.T) {
	store := setupMemoryTest(t, nil)
	ctx := context.Background()

	scopes := []memory.Scope{
		memory.GuildScope("g1"),
		memory.DMScope(),
		memory.GlobalScope(),
	}
	for i, scope := range scopes {
		_, err := store.Save(ctx, &memory.SaveParams{
			UserID:  "user1",
			Scope:   scope,
			Type:    storage.MemoryTypeFact,
			Content: fmt.Sprintf("scoped fact %d", i),
			Source:  storage.SourceExplicit,
		})
		require.NoError(t, err)
	}

	for _, scope := range scopes {
		rows, err := store.GetMemories(ctx, "user1", scope)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	}

	removed, err := store.ClearMemories(ctx, "user1", memory.DMScope())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	rows, err := store.GetMemories(ctx, "user1", memory.GuildScope("g1"))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
