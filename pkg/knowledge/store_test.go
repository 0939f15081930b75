package knowledge_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semretrieve/semretrieve-go/pkg/gateway"
	"github.com/semretrieve/semretrieve-go/pkg/knowledge"
	"github.com/semretrieve/semretrieve-go/pkg/storage"
	sqliteStore "github.com/semretrieve/semretrieve-go/pkg/storage/sqlite"
)

const testDims = 8

// stubProvider serves fixed vectors per text and counts calls.
type stubProvider struct {
	vectors map[string][]float32
	calls   atomic.Int32
}

func (p *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.calls.Add(1)
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

func oneHot(i int) []float32 {
	vec := make([]float32, testDims)
	vec[i%testDims] = 1
	return vec
}

func similarTo(i int, s float64) []float32 {
	vec := make([]float32, testDims)
	vec[i%testDims] = float32(s)
	vec[(i+4)%testDims] = float32(math.Sqrt(1 - s*s))
	return vec
}

func setupKnowledgeTest(t *testing.T, provider *stubProvider) *knowledge.Store {
	t.Helper()

	store, err := sqliteStore.NewClient(&sqliteStore.Config{
		DBPath: filepath.Join(t.TempDir(), "knowledge.db"),
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

	return knowledge.NewStore(store, gw, node, nil)
}

func TestAddNormalizesTags(t *testing.T) {
	store := setupKnowledgeTest(t, nil)
	ctx := context.Background()

	entry, err := store.Add(ctx, &knowledge.AddParams{
		GuildID: "g1",
		Content: "server rules here",
		Tags:    []string{"Rules", "rules", " MODERATION ", "", "rules"},
		AddedBy: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"rules", "moderation"}, entry.Tags)

	stored, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"rules", "moderation"}, stored.Tags)
}

func TestSearchTextFallback(t *testing.T) {
	store := setupKnowledgeTest(t, nil)
	ctx := context.Background()

	// 18-character content so the fallback score is 2*5/18.
	for _, content := range []string{"server rules here.", "unrelated text"} {
		_, err := store.Add(ctx, &knowledge.AddParams{
			GuildID: "g1",
			Content: content,
			AddedBy: "admin",
		})
		require.NoError(t, err)
	}

	results, err := store.Search(ctx, "rules", &knowledge.SearchOptions{GuildID: "g1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "server rules here.", results[0].Entry.Content)
	assert.InDelta(t, 2.0*5.0/18.0, results[0].Score, 1e-9)
}

func TestSearchTextFallbackScoreCountsRunes(t *testing.T) {
	store := setupKnowledgeTest(t, nil)
	ctx := context.Background()

	// 18 runes of content, 6-rune query: the score is 2*6/18 regardless
	// of how many bytes the accented characters take.
	_, err := store.Add(ctx, &knowledge.AddParams{
		GuildID: "g1",
		Content: "règles du serveur.",
		AddedBy: "admin",
	})
	require.NoError(t, err)

	results, err := store.Search(ctx, "règles", &knowledge.SearchOptions{GuildID: "g1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 2.0*6.0/18.0, results[0].Score, 1e-9)
}

func TestSearchTextFallbackScoreCapped(t *testing.T) {
	store := setupKnowledgeTest(t, nil)
	ctx := context.Background()

	_, err := store.Add(ctx, &knowledge.AddParams{
		GuildID: "g1",
		Content: "rules",
		AddedBy: "admin",
	})
	require.NoError(t, err)

	results, err := store.Search(ctx, "rules", &knowledge.SearchOptions{GuildID: "g1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].Score)
}

func TestSearchSemantic(t *testing.T) {
	provider := &stubProvider{vectors: map[string][]float32{
		"raid schedule is tuesdays": oneHot(0),
		"pet channel etiquette":     oneHot(1),
		"when do we raid?":          similarTo(0, 0.9),
	}}
	store := setupKnowledgeTest(t, provider)
	ctx := context.Background()

	for _, content := range []string{"raid schedule is tuesdays", "pet channel etiquette"} {
		_, err := store.Add(ctx, &knowledge.AddParams{
			GuildID: "g1",
			Content: content,
			AddedBy: "admin",
		})
		require.NoError(t, err)
	}

	results, err := store.Search(ctx, "when do we raid?", &knowledge.SearchOptions{GuildID: "g1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "raid schedule is tuesdays", results[0].Entry.Content)
	assert.InDelta(t, 0.9, results[0].Score, 1e-4)
}

func TestSearchTagFilter(t *testing.T) {
	provider := &stubProvider{vectors: map[string][]float32{
		"raid schedule is tuesdays": oneHot(0),
		"raid loot rules":           similarTo(0, 0.9),
		"raids":                     oneHot(0),
	}}
	store := setupKnowledgeTest(t, provider)
	ctx := context.Background()

	_, err := store.Add(ctx, &knowledge.AddParams{
		GuildID: "g1",
		Content: "raid schedule is tuesdays",
		Tags:    []string{"schedule"},
		AddedBy: "admin",
	})
	require.NoError(t, err)
	_, err = store.Add(ctx, &knowledge.AddParams{
		GuildID: "g1",
		Content: "raid loot rules",
		Tags:    []string{"loot"},
		AddedBy: "admin",
	})
	require.NoError(t, err)

	results, err := store.Search(ctx, "raids", &knowledge.SearchOptions{
		GuildID: "g1",
		Tag:     "Schedule",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "raid schedule is tuesdays", results[0].Entry.Content)
}

func TestSearchByEmbeddingThreshold(t *testing.T) {
	provider := &stubProvider{vectors: map[string][]float32{
		"entry a": similarTo(0, 0.5),
		"entry b": similarTo(0, 0.28),
	}}
	store := setupKnowledgeTest(t, provider)
	ctx := context.Background()

	for _, content := range []string{"entry a", "entry b"} {
		_, err := store.Add(ctx, &knowledge.AddParams{
			GuildID: "g1",
			Content: content,
			AddedBy: "admin",
		})
		require.NoError(t, err)
	}

	// Default threshold 0.3 keeps only the stronger match.
	results, err := store.SearchByEmbedding(ctx, oneHot(0), &knowledge.SearchOptions{GuildID: "g1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "entry a", results[0].Entry.Content)
}

func TestUpdateReembedsOnlyOnContentChange(t *testing.T) {
	provider := &stubProvider{vectors: map[string][]float32{
		"original content": oneHot(0),
		"new content":      oneHot(1),
	}}
	store := setupKnowledgeTest(t, provider)
	ctx := context.Background()

	entry, err := store.Add(ctx, &knowledge.AddParams{
		GuildID: "g1",
		Content: "original content",
		AddedBy: "admin",
	})
	require.NoError(t, err)
	callsAfterAdd := provider.calls.Load()

	// Tag-only update keeps the stored vector and makes no provider call.
	updated, err := store.Update(ctx, entry.ID, &knowledge.UpdateParams{
		Tags: []string{"new-tag"},
	})
	require.NoError(t, err)
	assert.Equal(t, callsAfterAdd, provider.calls.Load())
	assert.Equal(t, entry.Embedding, updated.Embedding)

	// Content change regenerates the vector.
	newContent := "new content"
	updated, err = store.Update(ctx, entry.ID, &knowledge.UpdateParams{
		Content: &newContent,
	})
	require.NoError(t, err)
	assert.Equal(t, callsAfterAdd+1, provider.calls.Load())
	assert.Equal(t, oneHot(1), updated.Embedding)
}

func TestDeleteVerifiesGuild(t *testing.T) {
	store := setupKnowledgeTest(t, nil)
	ctx := context.Background()

	entry, err := store.Add(ctx, &knowledge.AddParams{
		GuildID: "g1",
		Content: "guild one knowledge",
		AddedBy: "admin",
	})
	require.NoError(t, err)

	err = store.Delete(ctx, entry.ID, "g2")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	stored, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "guild one knowledge", stored.Content)
}
