// Package contextagg assembles the retrieval context document.
//
// The aggregator merges profile text, user memories, semantically similar
// past messages, guild knowledge, and caller-supplied extra context into
// one bounded plain-text document for prompt construction. Sources that
// overlap with already-supplied recent history are excluded or skipped so
// the document never repeats what the caller is sending anyway.
package contextagg

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/semretrieve/semretrieve-go/pkg/gateway"
	"github.com/semretrieve/semretrieve-go/pkg/knowledge"
	"github.com/semretrieve/semretrieve-go/pkg/memory"
	"github.com/semretrieve/semretrieve-go/pkg/messages"
)

const (
	// defaultMemoryLimit caps the memories section.
	defaultMemoryLimit = 10

	// defaultMessageLimit caps the similar-messages section.
	defaultMessageLimit = 5

	// defaultKnowledgeLimit caps the knowledge section.
	defaultKnowledgeLimit = 3

	// knowledgeTruncateAt is the per-entry character cap for knowledge
	// content in the document.
	knowledgeTruncateAt = 500

	// truncationHint is appended to knowledge entries cut at the cap.
	truncationHint = " [truncated; use the knowledge lookup for the full entry]"

	// historySkipCount and historySkipWindow control when the
	// similar-messages search is skipped: when at least historySkipCount
	// history messages fall within historySkipWindow of now, recent
	// history already covers the conversation and a semantic pass would
	// mostly surface near-duplicates.
	historySkipCount  = 5
	historySkipWindow = 10 * time.Minute
)

// HistoryMessage is one entry of the caller-supplied recent history.
type HistoryMessage struct {
	// ID is the stored message row id (0 when unknown).
	ID int64

	// CreatedAt is when the message was sent.
	CreatedAt time.Time
}

// Params describes one aggregation request.
type Params struct {
	// UserID identifies the user the bot is responding to.
	UserID string

	// Scope is the memory partition to draw from.
	Scope memory.Scope

	// GuildID scopes message and knowledge search (empty for DMs,
	// which skips the knowledge section).
	GuildID string

	// ChannelID scopes the similar-messages search.
	ChannelID string

	// Query is the incoming message being responded to.
	Query string

	// ProfileText is externally supplied profile text (optional).
	ProfileText string

	// History is the recent history the caller is already including in
	// the prompt. Messages found here are never repeated in the
	// similar-messages section.
	History []HistoryMessage

	// ExtraContext is appended verbatim at the end (optional).
	ExtraContext string

	// DecayFactor is the per-day decay for message ranking (default:
	// no decay).
	DecayFactor float64
}

// Aggregator builds context documents from the three retrieval stores.
type Aggregator struct {
	// gw embeds the query once per aggregation.
	gw *gateway.Gateway

	// memories is the user memory store.
	memories *memory.Store

	// index is the message semantic index.
	index *messages.Index

	// know is the guild knowledge store.
	know *knowledge.Store

	// logger logs degrade-path events (nil = silent).
	logger *slog.Logger
}

// New creates an aggregator over the given stores.
func New(gw *gateway.Gateway, memories *memory.Store, index *messages.Index, know *knowledge.Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		gw:       gw,
		memories: memories,
		index:    index,
		know:     know,
		logger:   logger,
	}
}

// BuildContext assembles the context document for one incoming query.
//
// The query is embedded at most once; the same vector drives memory
// retrieval, message search, and knowledge search. A provider failure
// degrades the semantic sections instead of failing the aggregation.
func (a *Aggregator) BuildContext(ctx context.Context, p *Params) (string, error) {
	var queryEmbedding []float32
	if p.Query != "" && a.gw.IsReady() {
		vec, err := a.gw.Embed(ctx, p.Query)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			a.logWarn("context build: query embedding degraded", "error", err)
		} else {
			queryEmbedding = vec
		}
	}

	var sections []string

	if profile := strings.TrimSpace(p.ProfileText); profile != "" {
		sections = append(sections, "User profile:\n"+profile)
	}

	memorySection, err := a.memorySection(ctx, p, queryEmbedding)
	if err != nil {
		return "", err
	}
	if memorySection != "" {
		sections = append(sections, memorySection)
	}

	if queryEmbedding != nil && !historyCoversRecency(p.History, time.Now().UTC()) {
		messageSection, err := a.messageSection(ctx, p, queryEmbedding)
		if err != nil {
			return "", err
		}
		if messageSection != "" {
			sections = append(sections, messageSection)
		}
	}

	if p.GuildID != "" {
		knowledgeSection, err := a.knowledgeSection(ctx, p, queryEmbedding)
		if err != nil {
			return "", err
		}
		if knowledgeSection != "" {
			sections = append(sections, knowledgeSection)
		}
	}

	if extra := strings.TrimSpace(p.ExtraContext); extra != "" {
		sections = append(sections, "Additional context:\n"+extra)
	}

	return strings.Join(sections, "\n\n"), nil
}

// memorySection renders the user's most relevant memories.
func (a *Aggregator) memorySection(ctx context.Context, p *Params, queryEmbedding []float32) (string, error) {
	rows, err := a.memories.GetMemoriesForPrompt(ctx, &memory.PromptParams{
		UserID:         p.UserID,
		Scope:          p.Scope,
		CurrentMessage: p.Query,
		QueryEmbedding: queryEmbedding,
		Limit:          defaultMemoryLimit,
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("What you remember about this user:")
	for _, row := range rows {
		fmt.Fprintf(&b, "\n- [%s] %s", row.Type, row.Content)
	}
	return b.String(), nil
}

// messageSection renders semantically similar past messages, excluding
// anything already present in the supplied history.
func (a *Aggregator) messageSection(ctx context.Context, p *Params, queryEmbedding []float32) (string, error) {
	historyIDs := make(map[int64]struct{}, len(p.History))
	for _, h := range p.History {
		if h.ID != 0 {
			historyIDs[h.ID] = struct{}{}
		}
	}

	// Over-fetch so history exclusion cannot empty the section.
	results, err := a.index.Search(ctx, queryEmbedding, &messages.SearchOptions{
		ChannelID:   p.ChannelID,
		GuildID:     p.GuildID,
		Limit:       defaultMessageLimit + len(historyIDs),
		DecayFactor: p.DecayFactor,
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	count := 0
	for _, r := range results {
		if _, ok := historyIDs[r.ID]; ok {
			continue
		}
		if count == 0 {
			b.WriteString("Relevant earlier messages:")
		}
		fmt.Fprintf(&b, "\n- %s: %s", r.UserID, r.Content)
		count++
		if count == defaultMessageLimit {
			break
		}
	}
	if count == 0 {
		return "", nil
	}
	return b.String(), nil
}

// knowledgeSection renders matching guild knowledge, truncating long
// entries with an explicit full-lookup hint.
func (a *Aggregator) knowledgeSection(ctx context.Context, p *Params, queryEmbedding []float32) (string, error) {
	opts := &knowledge.SearchOptions{
		GuildID: p.GuildID,
		Limit:   defaultKnowledgeLimit,
	}

	var results []*knowledge.SearchResult
	var err error
	if queryEmbedding != nil {
		results, err = a.know.SearchByEmbedding(ctx, queryEmbedding, opts)
	} else {
		results, err = a.know.Search(ctx, p.Query, opts)
	}
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Server knowledge:")
	for _, r := range results {
		content := r.Entry.Content
		// Truncation counts runes, not bytes, so a multibyte character
		// at the boundary is never split.
		if runes := []rune(content); len(runes) > knowledgeTruncateAt {
			content = string(runes[:knowledgeTruncateAt]) + truncationHint
		}
		fmt.Fprintf(&b, "\n- %s", content)
	}
	return b.String(), nil
}

func (a *Aggregator) logWarn(msg string, args ...interface{}) {
	if a.logger != nil {
		a.logger.Warn(msg, args...)
	}
}

// historyCoversRecency reports whether enough history messages fall
// within the recency window that a semantic message pass would be
// redundant.
func historyCoversRecency(history []HistoryMessage, now time.Time) bool {
	recent := 0
	for _, h := range history {
		if now.Sub(h.CreatedAt) <= historySkipWindow {
			recent++
			if recent >= historySkipCount {
				return true
			}
		}
	}
	return false
}
