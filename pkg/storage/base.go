// Package storage provides interfaces and row types for the backing row
// stores.
//
// It defines the three row collections used by the retrieval engine
// (messages, memories, knowledge) and the Store interface that all SQL
// backends must satisfy. Backends expose parameterized filtered scans and
// single-row writes only; similarity scoring happens above this layer.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates that a referenced row does not exist or is outside
// the caller's scope. It indicates misuse, not a transient condition.
var ErrNotFound = errors.New("row not found")

// MemoryType classifies what kind of information a memory holds.
type MemoryType string

const (
	// MemoryTypePreference holds a user preference.
	MemoryTypePreference MemoryType = "preference"

	// MemoryTypeFact holds a durable fact about the user.
	MemoryTypeFact MemoryType = "fact"

	// MemoryTypeInstruction holds a standing instruction from the user.
	MemoryTypeInstruction MemoryType = "instruction"

	// MemoryTypeContext holds situational context.
	MemoryTypeContext MemoryType = "context"

	// MemoryTypeProfileUpdate holds a profile change observation.
	MemoryTypeProfileUpdate MemoryType = "profile_update"
)

// MemorySource records how a memory came to exist.
//
// Inferred memories are system-derived and subject to eviction; explicit
// memories are user-authored and persist until explicitly deleted.
type MemorySource string

const (
	// SourceExplicit marks a user-authored memory.
	SourceExplicit MemorySource = "explicit"

	// SourceInferred marks a system-derived memory.
	SourceInferred MemorySource = "inferred"
)

// Message is a stored channel message with an optional embedding.
//
// (Platform, PlatformMessageID) uniquely identifies at most one row.
// Embedding may be nil when not yet computed or when the embedding
// provider was unavailable; such rows are excluded from similarity search
// but remain retrievable by recency.
type Message struct {
	// ID is the unique identifier of the message row.
	ID int64

	// UserID identifies the author on the originating platform.
	UserID string

	// Bot reports whether the author is a bot account.
	Bot bool

	// Platform names the originating chat platform.
	Platform string

	// PlatformMessageID is the platform-native message identifier.
	PlatformMessageID string

	// GuildID is the guild the message belongs to (empty for DMs).
	GuildID string

	// ChannelID is the channel the message belongs to.
	ChannelID string

	// Content is the message text.
	Content string

	// Embedding is the vector embedding (nil when absent).
	Embedding []float32

	// CreatedAt is when the message was sent.
	CreatedAt time.Time
}

// Memory is a typed, scoped fact or preference about a user.
type Memory struct {
	// ID is the unique identifier of the memory row.
	ID int64

	// UserID identifies the user the memory belongs to.
	UserID string

	// Scope is the opaque partition key (guild id, DM marker, or global
	// marker) the memory is grouped under.
	Scope string

	// Type classifies the memory.
	Type MemoryType

	// Content is the memory text.
	Content string

	// Embedding is the vector embedding (nil when absent).
	Embedding []float32

	// Source records whether the memory is explicit or inferred.
	Source MemorySource

	// CreatedAt is when the memory was first written.
	CreatedAt time.Time

	// UpdatedAt is when the memory content last changed.
	UpdatedAt time.Time
}

// KnowledgeEntry is a guild-scoped, tag-annotated knowledge row.
type KnowledgeEntry struct {
	// ID is the unique identifier of the knowledge row.
	ID int64

	// GuildID is the guild the entry belongs to.
	GuildID string

	// Content is the knowledge text.
	Content string

	// Tags are lower-cased, de-duplicated annotations.
	Tags []string

	// AddedBy identifies who added the entry.
	AddedBy string

	// Embedding is the vector embedding (nil when absent).
	Embedding []float32

	// CreatedAt is when the entry was added.
	CreatedAt time.Time

	// UpdatedAt is when the entry content last changed.
	UpdatedAt time.Time
}

// MessageScanOptions filters a message scan.
type MessageScanOptions struct {
	// ChannelID filters to one channel when non-empty.
	ChannelID string

	// GuildID filters to one guild when non-empty.
	GuildID string

	// ExcludeBots drops messages authored by bots.
	ExcludeBots bool

	// Since drops messages created at or before this instant when non-zero.
	Since time.Time

	// RequireEmbedding drops rows without an embedding.
	RequireEmbedding bool
}

// MemoryScanOptions filters a memory scan. Results are always ordered by
// UpdatedAt descending.
type MemoryScanOptions struct {
	// UserID filters to one user (required).
	UserID string

	// Scope filters to one partition key (required).
	Scope string

	// Type filters to one memory type when non-empty.
	Type MemoryType

	// Source filters to one provenance when non-empty.
	Source MemorySource

	// Limit caps the number of rows returned (0 = no cap).
	Limit int
}

// KnowledgeScanOptions filters a knowledge scan.
type KnowledgeScanOptions struct {
	// GuildID filters to one guild (required).
	GuildID string

	// Since drops entries created at or before this instant when non-zero.
	Since time.Time

	// RequireEmbedding drops rows without an embedding.
	RequireEmbedding bool
}

// MessageStore is the row-store surface for the message collection.
type MessageStore interface {
	// InsertMessage inserts a message row. Insertion is idempotent per
	// (Platform, PlatformMessageID): inserting a duplicate returns the
	// existing row's id rather than erroring.
	InsertMessage(ctx context.Context, m *Message) (int64, error)

	// UpdateMessageEmbedding sets or replaces the embedding of an
	// existing row. Returns ErrNotFound for a missing id.
	UpdateMessageEmbedding(ctx context.Context, id int64, embedding []float32) error

	// ScanMessages returns rows matching the filters, newest first.
	ScanMessages(ctx context.Context, opts *MessageScanOptions) ([]*Message, error)

	// RecentMessages returns the most recent rows in a channel, newest
	// first, regardless of embedding presence.
	RecentMessages(ctx context.Context, channelID string, limit int) ([]*Message, error)
}

// MemoryStore is the row-store surface for the memory collection.
type MemoryStore interface {
	// InsertMemory inserts a memory row.
	InsertMemory(ctx context.Context, m *Memory) error

	// UpdateMemory replaces a row's content and embedding and bumps
	// UpdatedAt. A nil embedding clears the stored one. Returns
	// ErrNotFound for a missing id.
	UpdateMemory(ctx context.Context, id int64, content string, embedding []float32, updatedAt time.Time) error

	// ScanMemories returns rows matching the filters, ordered by
	// UpdatedAt descending.
	ScanMemories(ctx context.Context, opts *MemoryScanOptions) ([]*Memory, error)

	// DeleteMemory deletes one row. Returns ErrNotFound for a missing id.
	DeleteMemory(ctx context.Context, id int64) error

	// DeleteMemories deletes every row in a (user, scope) partition and
	// returns the number of rows removed.
	DeleteMemories(ctx context.Context, userID, scope string) (int64, error)

	// CountMemories returns the explicit and inferred row counts of a
	// (user, scope) partition.
	CountMemories(ctx context.Context, userID, scope string) (explicit, inferred int, err error)
}

// KnowledgeStore is the row-store surface for the knowledge collection.
type KnowledgeStore interface {
	// InsertKnowledge inserts a knowledge row.
	InsertKnowledge(ctx context.Context, e *KnowledgeEntry) error

	// GetKnowledge returns one row by id. Returns ErrNotFound for a
	// missing id.
	GetKnowledge(ctx context.Context, id int64) (*KnowledgeEntry, error)

	// UpdateKnowledge replaces a row's content, tags, and embedding and
	// bumps UpdatedAt. Returns ErrNotFound for a missing id.
	UpdateKnowledge(ctx context.Context, e *KnowledgeEntry) error

	// DeleteKnowledge deletes one row, verifying guild ownership.
	// Returns ErrNotFound when the id is missing or belongs to another
	// guild.
	DeleteKnowledge(ctx context.Context, id int64, guildID string) error

	// ScanKnowledge returns rows matching the filters, newest first.
	ScanKnowledge(ctx context.Context, opts *KnowledgeScanOptions) ([]*KnowledgeEntry, error)
}

// Store is the complete row-store surface required by the retrieval
// engine. All SQL backends (SQLite, PostgreSQL, MySQL) implement it.
type Store interface {
	MessageStore
	MemoryStore
	KnowledgeStore

	// Close closes the store and releases resources.
	Close() error
}
