// Package knowledge provides the per-guild knowledge store.
//
// Entries are guild-scoped, tag-annotated text snippets. Search is
// semantic when the embedding gateway is ready and degrades to a
// deterministic substring match when it is not, so the store stays
// usable without an embedding provider.
package knowledge

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"

	"github.com/semretrieve/semretrieve-go/pkg/gateway"
	"github.com/semretrieve/semretrieve-go/pkg/storage"
	"github.com/semretrieve/semretrieve-go/pkg/vecmath"
)

const (
	// DefaultSearchThreshold is the similarity cutoff for query search.
	DefaultSearchThreshold = 0.25

	// DefaultEmbeddingThreshold is the similarity cutoff when the caller
	// supplies a pre-computed query vector.
	DefaultEmbeddingThreshold = 0.3

	// defaultSearchLimit caps search results when no limit is given.
	defaultSearchLimit = 10
)

// Store is the guild knowledge store.
type Store struct {
	// store is the backing knowledge row store.
	store storage.KnowledgeStore

	// gw generates embeddings for entries and queries.
	gw *gateway.Gateway

	// node generates row IDs.
	node *snowflake.Node

	// logger logs degrade-path events (nil = silent).
	logger *slog.Logger
}

// NewStore creates a knowledge store on top of a row store and an
// embedding gateway.
func NewStore(store storage.KnowledgeStore, gw *gateway.Gateway, node *snowflake.Node, logger *slog.Logger) *Store {
	return &Store{
		store:  store,
		gw:     gw,
		node:   node,
		logger: logger,
	}
}

// AddParams describes one knowledge entry to add.
type AddParams struct {
	// GuildID is the guild the entry belongs to.
	GuildID string

	// Content is the knowledge text.
	Content string

	// Tags annotate the entry. They are normalized to lower case and
	// de-duplicated before storing.
	Tags []string

	// AddedBy identifies who added the entry.
	AddedBy string
}

// UpdateParams describes a partial update of a knowledge entry. Nil
// fields are left unchanged.
type UpdateParams struct {
	// Content replaces the entry text when non-nil. Changing content
	// regenerates the embedding.
	Content *string

	// Tags replace the entry tags when non-nil.
	Tags []string
}

// SearchOptions controls a knowledge search.
type SearchOptions struct {
	// GuildID is the guild to search in (required).
	GuildID string

	// Limit caps the number of results (default: 10).
	Limit int

	// Tag filters to entries carrying the tag when non-empty. Matching
	// is case-insensitive.
	Tag string

	// TimeRange restricts results to entries newer than now-TimeRange
	// when > 0.
	TimeRange time.Duration

	// Threshold overrides the similarity cutoff when > 0.
	Threshold float64
}

// SearchResult is one scored knowledge entry.
type SearchResult struct {
	// Entry is the matched knowledge row.
	Entry *storage.KnowledgeEntry

	// Score is the similarity to the query, or the substring-match
	// approximation when search ran in fallback mode.
	Score float64
}

// Add stores a knowledge entry, generating its embedding eagerly when the
// gateway is ready. Provider failures degrade to a nil embedding.
func (s *Store) Add(ctx context.Context, p *AddParams) (*storage.KnowledgeEntry, error) {
	var embedding []float32
	if s.gw.IsReady() {
		vec, err := s.gw.Embed(ctx, p.Content)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logWarn("knowledge add: embedding degraded", "error", err)
		} else {
			embedding = vec
		}
	}

	now := time.Now().UTC()
	entry := &storage.KnowledgeEntry{
		ID:        s.node.Generate().Int64(),
		GuildID:   p.GuildID,
		Content:   p.Content,
		Tags:      normalizeTags(p.Tags),
		AddedBy:   p.AddedBy,
		Embedding: embedding,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertKnowledge(ctx, entry); err != nil {
		return nil, err
	}

	return entry, nil
}

// Get returns one entry by id. Returns storage.ErrNotFound for a missing
// id.
func (s *Store) Get(ctx context.Context, id int64) (*storage.KnowledgeEntry, error) {
	return s.store.GetKnowledge(ctx, id)
}

// Update applies a partial update to an entry.
//
// The embedding is regenerated only when the content actually changed;
// tag-only updates keep the stored vector. If the provider fails during
// re-embedding the stored vector is cleared rather than left stale.
func (s *Store) Update(ctx context.Context, id int64, p *UpdateParams) (*storage.KnowledgeEntry, error) {
	entry, err := s.store.GetKnowledge(ctx, id)
	if err != nil {
		return nil, err
	}

	if p.Content != nil && *p.Content != entry.Content {
		entry.Content = *p.Content
		entry.Embedding = nil
		if s.gw.IsReady() {
			vec, err := s.gw.Embed(ctx, entry.Content)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logWarn("knowledge update: embedding degraded", "error", err)
			} else {
				entry.Embedding = vec
			}
		}
	}
	if p.Tags != nil {
		entry.Tags = normalizeTags(p.Tags)
	}
	entry.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateKnowledge(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Delete deletes one entry, verifying guild ownership. Returns
// storage.ErrNotFound when the id is missing or belongs to another guild.
func (s *Store) Delete(ctx context.Context, id int64, guildID string) error {
	return s.store.DeleteKnowledge(ctx, id, guildID)
}

// Search finds entries relevant to a text query.
//
// When the gateway is ready the query is embedded and guild entries are
// scored by cosine similarity above the threshold (default 0.25). When
// the gateway is unavailable or the provider fails, search degrades to
// case-insensitive substring matching with score
// min(2*len(query)/len(content), 1).
func (s *Store) Search(ctx context.Context, query string, opts *SearchOptions) ([]*SearchResult, error) {
	if opts == nil {
		opts = &SearchOptions{}
	}

	if s.gw.IsReady() {
		queryEmbedding, err := s.gw.Embed(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logWarn("knowledge search: embedding degraded, using text match", "error", err)
		} else {
			threshold := opts.Threshold
			if threshold <= 0 {
				threshold = DefaultSearchThreshold
			}
			return s.searchByVector(ctx, queryEmbedding, threshold, opts)
		}
	}

	return s.searchByText(ctx, query, opts)
}

// SearchByEmbedding finds entries similar to a pre-computed query vector.
// Used when the caller already paid the embedding cost for another
// purpose. The default threshold is 0.3.
func (s *Store) SearchByEmbedding(ctx context.Context, queryEmbedding []float32, opts *SearchOptions) ([]*SearchResult, error) {
	if opts == nil {
		opts = &SearchOptions{}
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultEmbeddingThreshold
	}
	return s.searchByVector(ctx, queryEmbedding, threshold, opts)
}

// searchByVector scans guild rows with embeddings and scores them against
// the query vector.
func (s *Store) searchByVector(ctx context.Context, queryEmbedding []float32, threshold float64, opts *SearchOptions) ([]*SearchResult, error) {
	rows, err := s.scan(ctx, opts, true)
	if err != nil {
		return nil, err
	}

	var results []*SearchResult
	for _, row := range rows {
		if !tagMatch(row, opts.Tag) {
			continue
		}
		similarity, err := vecmath.CosineSimilarity(queryEmbedding, row.Embedding)
		if err != nil {
			return nil, err
		}
		if similarity > threshold {
			results = append(results, &SearchResult{Entry: row, Score: similarity})
		}
	}

	return rank(results, opts.Limit), nil
}

// searchByText scans guild rows and matches by lower-cased substring. The
// score is a deterministic approximation, not a relevance guarantee.
func (s *Store) searchByText(ctx context.Context, query string, opts *SearchOptions) ([]*SearchResult, error) {
	rows, err := s.scan(ctx, opts, false)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	var results []*SearchResult
	for _, row := range rows {
		if !tagMatch(row, opts.Tag) {
			continue
		}
		if needle == "" || !strings.Contains(strings.ToLower(row.Content), needle) {
			continue
		}
		// Lengths are rune counts so the score is stable for non-ASCII
		// content.
		score := 2 * float64(utf8.RuneCountInString(query)) / float64(utf8.RuneCountInString(row.Content))
		if score > 1 {
			score = 1
		}
		results = append(results, &SearchResult{Entry: row, Score: score})
	}

	return rank(results, opts.Limit), nil
}

// scan runs the filtered guild scan shared by both search paths.
func (s *Store) scan(ctx context.Context, opts *SearchOptions, requireEmbedding bool) ([]*storage.KnowledgeEntry, error) {
	scanOpts := &storage.KnowledgeScanOptions{
		GuildID:          opts.GuildID,
		RequireEmbedding: requireEmbedding,
	}
	if opts.TimeRange > 0 {
		scanOpts.Since = time.Now().UTC().Add(-opts.TimeRange)
	}
	return s.store.ScanKnowledge(ctx, scanOpts)
}

func (s *Store) logWarn(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

// rank sorts results by score descending and caps at limit.
func rank(results []*SearchResult, limit int) []*SearchResult {
	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// tagMatch reports whether the entry carries the tag. An empty tag
// matches everything.
func tagMatch(e *storage.KnowledgeEntry, tag string) bool {
	if tag == "" {
		return true
	}
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// normalizeTags lower-cases, trims, and de-duplicates tags, preserving
// first-seen order.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		normalized = append(normalized, tag)
	}
	if len(normalized) == 0 {
		return nil
	}
	return normalized
}
