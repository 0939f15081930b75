// Package memory provides the per-user, per-scope memory store.
//
// Memories are typed facts and preferences about a user, partitioned by
// (user, scope). The write path performs semantic deduplication: a save
// whose content is near-identical to an existing row in the same
// (user, scope, type) partition updates that row in place instead of
// inserting. Inferred memories are bounded per partition; the oldest one
// is evicted to make room for a new insert beyond the cap. Explicit
// memories are never auto-evicted.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/semretrieve/semretrieve-go/pkg/gateway"
	"github.com/semretrieve/semretrieve-go/pkg/storage"
	"github.com/semretrieve/semretrieve-go/pkg/vecmath"
)

const (
	// DefaultDedupThreshold is the cosine similarity above which two
	// memories in one (user, scope, type) partition are treated as the
	// same underlying memory.
	DefaultDedupThreshold = 0.85

	// DefaultInferredCap bounds the number of inferred rows per
	// (user, scope) partition.
	DefaultInferredCap = 10

	// DefaultPromptThreshold is the minimum similarity for a memory to
	// be included in semantic prompt retrieval.
	DefaultPromptThreshold = 0.3

	// defaultPromptLimit caps prompt retrieval when the caller gives no
	// limit.
	defaultPromptLimit = 10
)

// Store is the per-user memory store.
type Store struct {
	// store is the backing memory row store.
	store storage.MemoryStore

	// gw generates embeddings for dedup and semantic retrieval.
	gw *gateway.Gateway

	// node generates row IDs.
	node *snowflake.Node

	// logger logs degrade-path events (nil = silent).
	logger *slog.Logger

	// dedupThreshold is the similarity threshold for write-time dedup.
	dedupThreshold float64

	// inferredCap bounds inferred rows per (user, scope) partition.
	inferredCap int

	// promptThreshold is the similarity cutoff for prompt retrieval.
	promptThreshold float64

	// locks serializes writes per (user, scope, type) partition so a
	// concurrent pair of near-duplicate saves cannot both insert.
	locks partitionLocks
}

// Config contains configuration for creating a memory Store.
type Config struct {
	// DedupThreshold overrides DefaultDedupThreshold when > 0.
	DedupThreshold float64

	// InferredCap overrides DefaultInferredCap when > 0.
	InferredCap int

	// PromptThreshold overrides DefaultPromptThreshold when > 0.
	PromptThreshold float64

	// Logger logs degrade-path events (optional).
	Logger *slog.Logger
}

// NewStore creates a memory store on top of a row store and an embedding
// gateway.
func NewStore(store storage.MemoryStore, gw *gateway.Gateway, node *snowflake.Node, cfg *Config) *Store {
	if cfg == nil {
		cfg = &Config{}
	}

	dedupThreshold := cfg.DedupThreshold
	if dedupThreshold <= 0 {
		dedupThreshold = DefaultDedupThreshold
	}
	inferredCap := cfg.InferredCap
	if inferredCap <= 0 {
		inferredCap = DefaultInferredCap
	}
	promptThreshold := cfg.PromptThreshold
	if promptThreshold <= 0 {
		promptThreshold = DefaultPromptThreshold
	}

	return &Store{
		store:           store,
		gw:              gw,
		node:            node,
		logger:          cfg.Logger,
		dedupThreshold:  dedupThreshold,
		inferredCap:     inferredCap,
		promptThreshold: promptThreshold,
	}
}

// SaveParams describes one memory write.
type SaveParams struct {
	// UserID identifies the user the memory belongs to.
	UserID string

	// Scope is the partition the memory is grouped under.
	Scope Scope

	// Type classifies the memory.
	Type storage.MemoryType

	// Content is the memory text.
	Content string

	// Source records whether the memory is explicit or inferred.
	Source storage.MemorySource
}

// SaveResult reports the outcome of a save.
type SaveResult struct {
	// ID is the id of the inserted or updated row.
	ID int64

	// Updated is true when the save converged onto an existing
	// near-duplicate row instead of inserting.
	Updated bool
}

// MemoryCount is the per-provenance row count of a partition.
type MemoryCount struct {
	// Explicit is the number of user-authored rows.
	Explicit int

	// Inferred is the number of system-derived rows.
	Inferred int
}

// Save writes a memory, deduplicating against near-identical rows and
// enforcing the inferred-row cap.
//
// When the embedding gateway is unavailable the write degrades to a nil
// embedding and skips dedup; it never hard-fails on provider errors.
func (s *Store) Save(ctx context.Context, p *SaveParams) (*SaveResult, error) {
	var embedding []float32
	if s.gw.IsReady() {
		vec, err := s.gw.Embed(ctx, p.Content)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logWarn("memory save: embedding degraded", "error", err)
		} else {
			embedding = vec
		}
	}

	scopeKey := p.Scope.Key()
	unlock := s.locks.lock(p.UserID + "\x00" + scopeKey + "\x00" + string(p.Type))
	defer unlock()

	now := time.Now().UTC()

	if embedding != nil {
		best, err := s.findDuplicate(ctx, p.UserID, scopeKey, p.Type, embedding)
		if err != nil {
			return nil, err
		}
		if best != nil {
			// Near-duplicate: converge onto the existing row. The
			// embedding is regenerated with the new content so it never
			// goes stale.
			if err := s.store.UpdateMemory(ctx, best.ID, p.Content, embedding, now); err != nil {
				return nil, err
			}
			return &SaveResult{ID: best.ID, Updated: true}, nil
		}
	}

	if p.Source == storage.SourceInferred {
		if err := s.evictIfFull(ctx, p.UserID, scopeKey); err != nil {
			return nil, err
		}
	}

	row := &storage.Memory{
		ID:        s.node.Generate().Int64(),
		UserID:    p.UserID,
		Scope:     scopeKey,
		Type:      p.Type,
		Content:   p.Content,
		Embedding: embedding,
		Source:    p.Source,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertMemory(ctx, row); err != nil {
		return nil, err
	}

	return &SaveResult{ID: row.ID, Updated: false}, nil
}

// findDuplicate returns the best-scoring row in the (user, scope, type)
// partition whose similarity to the candidate embedding exceeds the dedup
// threshold, or nil when no row qualifies.
func (s *Store) findDuplicate(ctx context.Context, userID, scopeKey string, memType storage.MemoryType, embedding []float32) (*storage.Memory, error) {
	rows, err := s.store.ScanMemories(ctx, &storage.MemoryScanOptions{
		UserID: userID,
		Scope:  scopeKey,
		Type:   memType,
	})
	if err != nil {
		return nil, err
	}

	var best *storage.Memory
	var bestSimilarity float64
	for _, row := range rows {
		if row.Embedding == nil {
			continue
		}
		similarity, err := vecmath.CosineSimilarity(embedding, row.Embedding)
		if err != nil {
			return nil, err
		}
		if similarity > s.dedupThreshold && (best == nil || similarity > bestSimilarity) {
			best = row
			bestSimilarity = similarity
		}
	}

	return best, nil
}

// evictIfFull deletes the single oldest-by-updatedAt inferred row of the
// (user, scope) partition when the inferred count has reached the cap.
func (s *Store) evictIfFull(ctx context.Context, userID, scopeKey string) error {
	_, inferred, err := s.store.CountMemories(ctx, userID, scopeKey)
	if err != nil {
		return err
	}
	if inferred < s.inferredCap {
		return nil
	}

	rows, err := s.store.ScanMemories(ctx, &storage.MemoryScanOptions{
		UserID: userID,
		Scope:  scopeKey,
		Source: storage.SourceInferred,
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	// Rows are ordered by updatedAt descending; the oldest is last.
	oldest := rows[len(rows)-1]
	s.logDebug("memory save: evicting oldest inferred memory", "id", oldest.ID)
	return s.store.DeleteMemory(ctx, oldest.ID)
}

// GetMemories returns every memory in the (user, scope) partition,
// ordered by updatedAt descending.
func (s *Store) GetMemories(ctx context.Context, userID string, scope Scope) ([]*storage.Memory, error) {
	return s.store.ScanMemories(ctx, &storage.MemoryScanOptions{
		UserID: userID,
		Scope:  scope.Key(),
	})
}

// PromptParams describes a prompt-retrieval request.
type PromptParams struct {
	// UserID identifies the user.
	UserID string

	// Scope is the partition to retrieve from.
	Scope Scope

	// CurrentMessage is the message being responded to. When set and
	// the gateway is ready, retrieval is semantic; otherwise it falls
	// back to recency.
	CurrentMessage string

	// QueryEmbedding is an optional pre-computed embedding of
	// CurrentMessage, used to avoid a second gateway call when the
	// caller already paid the embedding cost.
	QueryEmbedding []float32

	// Limit caps the number of memories returned (default: 10).
	Limit int
}

// GetMemoriesForPrompt returns the memories most relevant to the current
// message.
//
// When a current message is available and the gateway is ready, every
// memory in the partition is scored by similarity and those above the
// prompt threshold are returned, best first. When the semantic path
// yields nothing (or is unavailable), the most recently updated memories
// are returned instead, regardless of type.
func (s *Store) GetMemoriesForPrompt(ctx context.Context, p *PromptParams) ([]*storage.Memory, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultPromptLimit
	}

	queryEmbedding := p.QueryEmbedding
	if queryEmbedding == nil && p.CurrentMessage != "" && s.gw.IsReady() {
		vec, err := s.gw.Embed(ctx, p.CurrentMessage)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logWarn("prompt retrieval: embedding degraded, using recency", "error", err)
		} else {
			queryEmbedding = vec
		}
	}

	if queryEmbedding != nil {
		memories, err := s.semanticRetrieve(ctx, p.UserID, p.Scope.Key(), queryEmbedding, limit)
		if err != nil {
			return nil, err
		}
		if len(memories) > 0 {
			return memories, nil
		}
	}

	return s.store.ScanMemories(ctx, &storage.MemoryScanOptions{
		UserID: p.UserID,
		Scope:  p.Scope.Key(),
		Limit:  limit,
	})
}

// semanticRetrieve scores every embedded memory in the partition against
// the query embedding and returns those above the prompt threshold, best
// first, capped at limit.
func (s *Store) semanticRetrieve(ctx context.Context, userID, scopeKey string, queryEmbedding []float32, limit int) ([]*storage.Memory, error) {
	rows, err := s.store.ScanMemories(ctx, &storage.MemoryScanOptions{
		UserID: userID,
		Scope:  scopeKey,
	})
	if err != nil {
		return nil, err
	}

	type scored struct {
		row   *storage.Memory
		score float64
	}

	var matches []scored
	for _, row := range rows {
		if row.Embedding == nil {
			continue
		}
		similarity, err := vecmath.CosineSimilarity(queryEmbedding, row.Embedding)
		if err != nil {
			return nil, err
		}
		if similarity > s.promptThreshold {
			matches = append(matches, scored{row: row, score: similarity})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	memories := make([]*storage.Memory, len(matches))
	for i, m := range matches {
		memories[i] = m.row
	}

	return memories, nil
}

// DeleteMemory deletes one memory by id. Returns storage.ErrNotFound for
// a missing id.
func (s *Store) DeleteMemory(ctx context.Context, id int64) error {
	return s.store.DeleteMemory(ctx, id)
}

// ClearMemories deletes every memory in the (user, scope) partition and
// returns the number removed.
func (s *Store) ClearMemories(ctx context.Context, userID string, scope Scope) (int64, error) {
	return s.store.DeleteMemories(ctx, userID, scope.Key())
}

// Count returns the explicit and inferred row counts of the (user, scope)
// partition.
func (s *Store) Count(ctx context.Context, userID string, scope Scope) (*MemoryCount, error) {
	explicit, inferred, err := s.store.CountMemories(ctx, userID, scope.Key())
	if err != nil {
		return nil, err
	}
	return &MemoryCount{Explicit: explicit, Inferred: inferred}, nil
}

func (s *Store) logWarn(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func (s *Store) logDebug(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

// partitionLocks hands out one mutex per partition key.
type partitionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the mutex for a partition key and returns its unlock
// function.
func (p *partitionLocks) lock(key string) func() {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*sync.Mutex)
	}
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}
