// Package messages provides the message semantic index.
//
// The index is an append-only, idempotent store of channel messages with
// optional embeddings. Similarity search scans candidate rows, scores
// them with cosine similarity, and ranks by a time-decayed score so that
// fresh messages outrank equally similar stale ones.
package messages

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/semretrieve/semretrieve-go/pkg/storage"
	"github.com/semretrieve/semretrieve-go/pkg/vecmath"
)

// DefaultTimeRange is the default search window. Searches never
// implicitly span forever; callers must opt out explicitly via
// SearchOptions.NoTimeRange.
const DefaultTimeRange = 30 * 24 * time.Hour

// millisPerDay converts message age to days for decay scoring.
const millisPerDay = 86_400_000

// Index is the message semantic index.
type Index struct {
	// store is the backing message row store.
	store storage.MessageStore

	// node generates row IDs.
	node *snowflake.Node

	// logger logs degrade-path events (nil = silent).
	logger *slog.Logger
}

// NewIndex creates a message semantic index on top of a row store.
func NewIndex(store storage.MessageStore, node *snowflake.Node, logger *slog.Logger) *Index {
	return &Index{
		store:  store,
		node:   node,
		logger: logger,
	}
}

// SearchOptions controls a similarity search.
type SearchOptions struct {
	// ChannelID restricts results to one channel when non-empty.
	ChannelID string

	// GuildID restricts results to one guild when non-empty.
	GuildID string

	// Limit caps the number of results (default: 10).
	Limit int

	// DecayFactor is the per-day decay base in (0, 1]; 0 or 1 disables
	// decay.
	DecayFactor float64

	// IncludeBots includes bot-authored messages.
	IncludeBots bool

	// TimeRange restricts results to messages newer than now-TimeRange
	// (default: DefaultTimeRange).
	TimeRange time.Duration

	// NoTimeRange disables the time filter entirely. Explicit opt-in;
	// an unset TimeRange still applies the default window.
	NoTimeRange bool
}

// SearchResult is one scored message.
type SearchResult struct {
	// ID is the message row id.
	ID int64

	// UserID identifies the author.
	UserID string

	// Bot reports whether the author is a bot account.
	Bot bool

	// ChannelID is the channel the message belongs to.
	ChannelID string

	// Content is the message text.
	Content string

	// CreatedAt is when the message was sent.
	CreatedAt time.Time

	// Similarity is the raw cosine similarity to the query.
	Similarity float64

	// Score is the time-decayed similarity used for ranking.
	Score float64
}

// Insert stores a message, generating an id when none is set.
//
// Insertion is idempotent per (platform, platform message id): inserting a
// duplicate returns the existing row's id.
func (ix *Index) Insert(ctx context.Context, m *storage.Message) (int64, error) {
	if m.ID == 0 {
		m.ID = ix.node.Generate().Int64()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return ix.store.InsertMessage(ctx, m)
}

// UpdateEmbedding sets or replaces the embedding of a stored message.
func (ix *Index) UpdateEmbedding(ctx context.Context, id int64, embedding []float32) error {
	return ix.store.UpdateMessageEmbedding(ctx, id, embedding)
}

// Search scans candidate rows matching the filters, scores each against
// the query vector, and returns the top results ordered by decayed score
// descending.
//
// Rows without an embedding are excluded. A dimension mismatch between
// the query vector and a stored embedding propagates as an error.
func (ix *Index) Search(ctx context.Context, queryVector []float32, opts *SearchOptions) ([]*SearchResult, error) {
	if opts == nil {
		opts = &SearchOptions{}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	decay := opts.DecayFactor
	if decay <= 0 {
		decay = 1.0
	}

	scanOpts := &storage.MessageScanOptions{
		ChannelID:        opts.ChannelID,
		GuildID:          opts.GuildID,
		ExcludeBots:      !opts.IncludeBots,
		RequireEmbedding: true,
	}

	now := time.Now().UTC()
	if !opts.NoTimeRange {
		timeRange := opts.TimeRange
		if timeRange <= 0 {
			timeRange = DefaultTimeRange
		}
		scanOpts.Since = now.Add(-timeRange)
	}

	rows, err := ix.store.ScanMessages(ctx, scanOpts)
	if err != nil {
		return nil, err
	}

	results := make([]*SearchResult, 0, len(rows))
	for _, row := range rows {
		similarity, err := vecmath.CosineSimilarity(queryVector, row.Embedding)
		if err != nil {
			return nil, err
		}

		ageDays := float64(now.Sub(row.CreatedAt).Milliseconds()) / millisPerDay
		results = append(results, &SearchResult{
			ID:         row.ID,
			UserID:     row.UserID,
			Bot:        row.Bot,
			ChannelID:  row.ChannelID,
			Content:    row.Content,
			CreatedAt:  row.CreatedAt,
			Similarity: similarity,
			Score:      vecmath.TimeDecayScore(similarity, ageDays, decay),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

// Recent returns the most recent messages in a channel, newest first,
// regardless of embedding presence. This is the retrieval path for rows
// whose embeddings have not been computed yet.
func (ix *Index) Recent(ctx context.Context, channelID string, limit int) ([]*storage.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	return ix.store.RecentMessages(ctx, channelID, limit)
}
