package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/snowflake"

	"github.com/semretrieve/semretrieve-go/pkg/contextagg"
	"github.com/semretrieve/semretrieve-go/pkg/embedder"
	openaiEmbedder "github.com/semretrieve/semretrieve-go/pkg/embedder/openai"
	qwenEmbedder "github.com/semretrieve/semretrieve-go/pkg/embedder/qwen"
	"github.com/semretrieve/semretrieve-go/pkg/gateway"
	"github.com/semretrieve/semretrieve-go/pkg/knowledge"
	"github.com/semretrieve/semretrieve-go/pkg/memory"
	"github.com/semretrieve/semretrieve-go/pkg/messages"
	"github.com/semretrieve/semretrieve-go/pkg/storage"
	mysqlStore "github.com/semretrieve/semretrieve-go/pkg/storage/mysql"
	postgresStore "github.com/semretrieve/semretrieve-go/pkg/storage/postgres"
	sqliteStore "github.com/semretrieve/semretrieve-go/pkg/storage/sqlite"
)

// Client is the main retrieval client.
//
// It wires the embedding gateway, the row store, and the three retrieval
// stores together and exposes the library surface used by message and
// command plugins:
//   - Message indexing and decay-scored similarity search
//   - Memory save/retrieve with dedup and bounded inferred growth
//   - Guild knowledge add/search with text fallback
//   - Context document assembly for prompt construction
//
// The client is safe for concurrent use from multiple goroutines.
//
// Example usage:
//
//	config, _ := core.LoadConfigFromEnv()
//	client, _ := core.NewClient(config)
//	defer client.Close()
//
//	result, _ := client.SaveMemory(ctx, &memory.SaveParams{
//	    UserID:  "user_001",
//	    Scope:   memory.GuildScope("guild_42"),
//	    Type:    storage.MemoryTypePreference,
//	    Content: "prefers short answers",
//	    Source:  storage.SourceExplicit,
//	})
type Client struct {
	// config contains the client configuration.
	config *Config

	// store is the backing row store.
	store storage.Store

	// gateway wraps the embedding provider.
	gateway *gateway.Gateway

	// index is the message semantic index.
	index *messages.Index

	// memories is the user memory store.
	memories *memory.Store

	// know is the guild knowledge store.
	know *knowledge.Store

	// aggregator assembles context documents.
	aggregator *contextagg.Aggregator

	// node generates unique row IDs.
	node *snowflake.Node
}

// NewClient creates a new retrieval client.
//
// The client is initialized with:
//   - Row store (SQLite, PostgreSQL, or MySQL)
//   - Embedding provider (OpenAI or Qwen; optional)
//   - The three retrieval stores and the context aggregator
//
// An empty embedder provider is valid: the client then runs in degraded
// mode where searches fall back to text matching and recency.
func NewClient(cfg *Config) (*Client, error) {
	return NewClientWithLogger(cfg, nil)
}

// NewClientWithLogger creates a new retrieval client with an optional
// structured logger for degrade-path events.
func NewClientWithLogger(cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := initStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	provider, err := initEmbedder(cfg.Embedder)
	if err != nil {
		return nil, err
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, NewRetrievalError("NewClient", err)
	}

	gw := gateway.New(provider, nil)
	index := messages.NewIndex(store, node, logger)
	memories := memory.NewStore(store, gw, node, &memory.Config{
		DedupThreshold:  cfg.Retrieval.DedupThreshold,
		InferredCap:     cfg.Retrieval.InferredCap,
		PromptThreshold: cfg.Retrieval.PromptThreshold,
		Logger:          logger,
	})
	know := knowledge.NewStore(store, gw, node, logger)

	return &Client{
		config:     cfg,
		store:      store,
		gateway:    gw,
		index:      index,
		memories:   memories,
		know:       know,
		aggregator: contextagg.New(gw, memories, index, know, logger),
		node:       node,
	}, nil
}

// initStore initializes the row store backend from configuration.
// Backend open or ping failures surface as ErrConnectionFailed.
func initStore(cfg StoreConfig) (storage.Store, error) {
	var store storage.Store
	var err error

	switch cfg.Provider {
	case "sqlite":
		store, err = sqliteStore.NewClient(&sqliteStore.Config{
			DBPath: cfg.DBPath,
		})
	case "postgres":
		store, err = postgresStore.NewClient(&postgresStore.Config{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.DBName,
			SSLMode:  cfg.SSLMode,
		})
	case "mysql":
		store, err = mysqlStore.NewClient(&mysqlStore.Config{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.DBName,
		})
	default:
		return nil, NewRetrievalError("initStore", ErrInvalidConfig)
	}
	if err != nil {
		return nil, NewRetrievalError("initStore", fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	}

	return store, nil
}

// initEmbedder initializes the embedding provider from configuration.
// An empty provider name returns nil, which runs the gateway in
// unavailable mode.
func initEmbedder(cfg EmbedderConfig) (embedder.Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "openai":
		provider, err := openaiEmbedder.NewClient(&openaiEmbedder.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, NewRetrievalError("initEmbedder", err)
		}
		return provider, nil
	case "qwen":
		provider, err := qwenEmbedder.NewClient(&qwenEmbedder.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, NewRetrievalError("initEmbedder", err)
		}
		return provider, nil
	default:
		return nil, NewRetrievalError("initEmbedder", ErrInvalidConfig)
	}
}

// IsEmbeddingReady reports whether an embedding provider is configured.
func (c *Client) IsEmbeddingReady() bool {
	return c.gateway.IsReady()
}

// Embed converts text into a vector embedding through the gateway.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := c.gateway.Embed(ctx, text)
	if err != nil {
		return nil, NewRetrievalError("Embed", err)
	}
	return vec, nil
}

// InsertMessage stores a channel message, returning the row id.
// Insertion is idempotent per (platform, platform message id).
func (c *Client) InsertMessage(ctx context.Context, m *storage.Message) (int64, error) {
	if m.Platform == "" || m.PlatformMessageID == "" {
		return 0, NewRetrievalError("InsertMessage", ErrInvalidInput)
	}
	id, err := c.index.Insert(ctx, m)
	if err != nil {
		return 0, NewRetrievalError("InsertMessage", err)
	}
	return id, nil
}

// UpdateMessageEmbedding sets or replaces a stored message's embedding.
func (c *Client) UpdateMessageEmbedding(ctx context.Context, id int64, embedding []float32) error {
	return NewRetrievalError("UpdateMessageEmbedding", c.index.UpdateEmbedding(ctx, id, embedding))
}

// SearchSimilar finds stored messages similar to the query text, ranked
// by time-decayed similarity.
func (c *Client) SearchSimilar(ctx context.Context, query string, opts *messages.SearchOptions) ([]*messages.SearchResult, error) {
	queryEmbedding, err := c.gateway.Embed(ctx, query)
	if err != nil {
		return nil, NewRetrievalError("SearchSimilar", err)
	}
	if opts == nil {
		opts = &messages.SearchOptions{}
	}
	if opts.DecayFactor <= 0 {
		opts.DecayFactor = c.config.Retrieval.DecayFactorOrDefault()
	}
	results, err := c.index.Search(ctx, queryEmbedding, opts)
	if err != nil {
		return nil, NewRetrievalError("SearchSimilar", err)
	}
	return results, nil
}

// RecentMessages returns the most recent messages in a channel, newest
// first.
func (c *Client) RecentMessages(ctx context.Context, channelID string, limit int) ([]*storage.Message, error) {
	rows, err := c.index.Recent(ctx, channelID, limit)
	if err != nil {
		return nil, NewRetrievalError("RecentMessages", err)
	}
	return rows, nil
}

// SaveMemory writes a user memory, deduplicating near-identical content
// and bounding inferred growth.
func (c *Client) SaveMemory(ctx context.Context, p *memory.SaveParams) (*memory.SaveResult, error) {
	if p.UserID == "" || strings.TrimSpace(p.Content) == "" {
		return nil, NewRetrievalError("SaveMemory", ErrInvalidInput)
	}
	result, err := c.memories.Save(ctx, p)
	if err != nil {
		return nil, NewRetrievalError("SaveMemory", err)
	}
	return result, nil
}

// GetMemories returns all memories in a (user, scope) partition, most
// recently updated first.
func (c *Client) GetMemories(ctx context.Context, userID string, scope memory.Scope) ([]*storage.Memory, error) {
	rows, err := c.memories.GetMemories(ctx, userID, scope)
	if err != nil {
		return nil, NewRetrievalError("GetMemories", err)
	}
	return rows, nil
}

// GetMemoriesForPrompt returns the memories most relevant to the current
// message, falling back to recency when semantic search is unavailable.
func (c *Client) GetMemoriesForPrompt(ctx context.Context, p *memory.PromptParams) ([]*storage.Memory, error) {
	rows, err := c.memories.GetMemoriesForPrompt(ctx, p)
	if err != nil {
		return nil, NewRetrievalError("GetMemoriesForPrompt", err)
	}
	return rows, nil
}

// DeleteMemory deletes one memory by id.
func (c *Client) DeleteMemory(ctx context.Context, id int64) error {
	return NewRetrievalError("DeleteMemory", c.memories.DeleteMemory(ctx, id))
}

// ClearMemories deletes every memory in a (user, scope) partition and
// returns the number removed.
func (c *Client) ClearMemories(ctx context.Context, userID string, scope memory.Scope) (int64, error) {
	count, err := c.memories.ClearMemories(ctx, userID, scope)
	if err != nil {
		return 0, NewRetrievalError("ClearMemories", err)
	}
	return count, nil
}

// GetMemoryCount returns the explicit and inferred memory counts of a
// (user, scope) partition.
func (c *Client) GetMemoryCount(ctx context.Context, userID string, scope memory.Scope) (*memory.MemoryCount, error) {
	count, err := c.memories.Count(ctx, userID, scope)
	if err != nil {
		return nil, NewRetrievalError("GetMemoryCount", err)
	}
	return count, nil
}

// AddKnowledge stores a guild knowledge entry.
func (c *Client) AddKnowledge(ctx context.Context, p *knowledge.AddParams) (*storage.KnowledgeEntry, error) {
	if p.GuildID == "" || strings.TrimSpace(p.Content) == "" {
		return nil, NewRetrievalError("AddKnowledge", ErrInvalidInput)
	}
	entry, err := c.know.Add(ctx, p)
	if err != nil {
		return nil, NewRetrievalError("AddKnowledge", err)
	}
	return entry, nil
}

// GetKnowledge returns one knowledge entry by id.
func (c *Client) GetKnowledge(ctx context.Context, id int64) (*storage.KnowledgeEntry, error) {
	entry, err := c.know.Get(ctx, id)
	if err != nil {
		return nil, NewRetrievalError("GetKnowledge", err)
	}
	return entry, nil
}

// UpdateKnowledge applies a partial update to a knowledge entry,
// re-embedding only when content changed.
func (c *Client) UpdateKnowledge(ctx context.Context, id int64, p *knowledge.UpdateParams) (*storage.KnowledgeEntry, error) {
	entry, err := c.know.Update(ctx, id, p)
	if err != nil {
		return nil, NewRetrievalError("UpdateKnowledge", err)
	}
	return entry, nil
}

// SearchKnowledge finds knowledge entries relevant to a text query,
// degrading to substring matching when embeddings are unavailable.
func (c *Client) SearchKnowledge(ctx context.Context, query string, opts *knowledge.SearchOptions) ([]*knowledge.SearchResult, error) {
	results, err := c.know.Search(ctx, query, opts)
	if err != nil {
		return nil, NewRetrievalError("SearchKnowledge", err)
	}
	return results, nil
}

// SearchKnowledgeByEmbedding finds knowledge entries similar to a
// pre-computed query vector.
func (c *Client) SearchKnowledgeByEmbedding(ctx context.Context, queryEmbedding []float32, opts *knowledge.SearchOptions) ([]*knowledge.SearchResult, error) {
	results, err := c.know.SearchByEmbedding(ctx, queryEmbedding, opts)
	if err != nil {
		return nil, NewRetrievalError("SearchKnowledgeByEmbedding", err)
	}
	return results, nil
}

// DeleteKnowledge deletes one knowledge entry, verifying guild ownership.
func (c *Client) DeleteKnowledge(ctx context.Context, id int64, guildID string) error {
	return NewRetrievalError("DeleteKnowledge", c.know.Delete(ctx, id, guildID))
}

// BuildContext assembles the retrieval context document for one incoming
// query.
func (c *Client) BuildContext(ctx context.Context, p *contextagg.Params) (string, error) {
	if p.DecayFactor <= 0 {
		p.DecayFactor = c.config.Retrieval.DecayFactorOrDefault()
	}
	doc, err := c.aggregator.BuildContext(ctx, p)
	if err != nil {
		return "", NewRetrievalError("BuildContext", err)
	}
	return doc, nil
}

// Close closes the client and releases all resources.
//
// After calling Close, the client should not be used.
func (c *Client) Close() error {
	var firstErr error
	if err := c.gateway.Close(); err != nil {
		firstErr = err
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return NewRetrievalError("Close", firstErr)
}
