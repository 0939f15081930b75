// Package postgres provides the PostgreSQL row-store backend.
//
// Embeddings are stored as raw little-endian float32 buffers in BYTEA
// columns; similarity scoring happens above this layer.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/semretrieve/semretrieve-go/pkg/storage"
)

// Client implements storage.Store using PostgreSQL as the backend.
type Client struct {
	// db is the PostgreSQL database connection pool.
	db *sql.DB
}

// Config contains configuration for creating a PostgreSQL store.
type Config struct {
	// Host is the database host.
	Host string

	// Port is the database port.
	Port int

	// User is the database user.
	User string

	// Password is the database password.
	Password string

	// DBName is the database name.
	DBName string

	// SSLMode is the sslmode connection parameter (default: "disable").
	SSLMode string
}

// NewClient creates a new PostgreSQL store and initializes the three
// collection tables.
func NewClient(cfg *Config) (*Client, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	client := &Client{db: db}

	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}

	return client, nil
}

// initTables initializes the three collection tables.
func (c *Client) initTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGINT PRIMARY KEY,
			user_id TEXT NOT NULL,
			bot BOOLEAN NOT NULL DEFAULT FALSE,
			platform TEXT NOT NULL,
			platform_message_id TEXT NOT NULL,
			guild_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BYTEA,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE(platform, platform_message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id BIGINT PRIMARY KEY,
			user_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			mem_type TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BYTEA,
			source TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_partition ON memories(user_id, scope, mem_type)`,
		`CREATE TABLE IF NOT EXISTS knowledge (
			id BIGINT PRIMARY KEY,
			guild_id TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			added_by TEXT NOT NULL,
			embedding BYTEA,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_guild ON knowledge(guild_id)`,
	}

	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	return nil
}

// InsertMessage inserts a message row, idempotent per
// (platform, platform_message_id).
func (c *Client) InsertMessage(ctx context.Context, m *storage.Message) (int64, error) {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	result, err := c.db.ExecContext(ctx, `
		INSERT INTO messages
		(id, user_id, bot, platform, platform_message_id, guild_id, channel_id, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (platform, platform_message_id) DO NOTHING
	`, m.ID, m.UserID, m.Bot, m.Platform, m.PlatformMessageID, m.GuildID, m.ChannelID, m.Content,
		storage.EncodeEmbedding(m.Embedding), createdAt)
	if err != nil {
		return 0, fmt.Errorf("InsertMessage: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("InsertMessage: %w", err)
	}
	if affected > 0 {
		return m.ID, nil
	}

	var existingID int64
	err = c.db.QueryRowContext(ctx,
		`SELECT id FROM messages WHERE platform = $1 AND platform_message_id = $2`,
		m.Platform, m.PlatformMessageID,
	).Scan(&existingID)
	if err != nil {
		return 0, fmt.Errorf("InsertMessage: %w", err)
	}

	return existingID, nil
}

// UpdateMessageEmbedding sets or replaces the embedding of an existing row.
func (c *Client) UpdateMessageEmbedding(ctx context.Context, id int64, embedding []float32) error {
	result, err := c.db.ExecContext(ctx,
		`UPDATE messages SET embedding = $1 WHERE id = $2`,
		storage.EncodeEmbedding(embedding), id)
	if err != nil {
		return fmt.Errorf("UpdateMessageEmbedding: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateMessageEmbedding: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// ScanMessages returns message rows matching the filters, newest first.
func (c *Client) ScanMessages(ctx context.Context, opts *storage.MessageScanOptions) ([]*storage.Message, error) {
	query := `
		SELECT id, user_id, bot, platform, platform_message_id, guild_id, channel_id, content, embedding, created_at
		FROM messages WHERE TRUE`
	var args []interface{}

	if opts.ChannelID != "" {
		args = append(args, opts.ChannelID)
		query += fmt.Sprintf(" AND channel_id = $%d", len(args))
	}
	if opts.GuildID != "" {
		args = append(args, opts.GuildID)
		query += fmt.Sprintf(" AND guild_id = $%d", len(args))
	}
	if opts.ExcludeBots {
		query += " AND bot = FALSE"
	}
	if !opts.Since.IsZero() {
		args = append(args, opts.Since)
		query += fmt.Sprintf(" AND created_at > $%d", len(args))
	}
	if opts.RequireEmbedding {
		query += " AND embedding IS NOT NULL"
	}
	query += " ORDER BY created_at DESC"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ScanMessages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*storage.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("ScanMessages: %w", err)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// RecentMessages returns the most recent rows in a channel, newest first.
func (c *Client) RecentMessages(ctx context.Context, channelID string, limit int) ([]*storage.Message, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, user_id, bot, platform, platform_message_id, guild_id, channel_id, content, embedding, created_at
		FROM messages WHERE channel_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("RecentMessages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*storage.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("RecentMessages: %w", err)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// InsertMemory inserts a memory row.
func (c *Client) InsertMemory(ctx context.Context, m *storage.Memory) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO memories
		(id, user_id, scope, mem_type, content, embedding, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, m.UserID, m.Scope, string(m.Type), m.Content,
		storage.EncodeEmbedding(m.Embedding), string(m.Source), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("InsertMemory: %w", err)
	}
	return nil
}

// UpdateMemory replaces a row's content and embedding and bumps updated_at.
func (c *Client) UpdateMemory(ctx context.Context, id int64, content string, embedding []float32, updatedAt time.Time) error {
	result, err := c.db.ExecContext(ctx,
		`UPDATE memories SET content = $1, embedding = $2, updated_at = $3 WHERE id = $4`,
		content, storage.EncodeEmbedding(embedding), updatedAt, id)
	if err != nil {
		return fmt.Errorf("UpdateMemory: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateMemory: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// ScanMemories returns memory rows matching the filters, ordered by
// updated_at descending.
func (c *Client) ScanMemories(ctx context.Context, opts *storage.MemoryScanOptions) ([]*storage.Memory, error) {
	query := `
		SELECT id, user_id, scope, mem_type, content, embedding, source, created_at, updated_at
		FROM memories WHERE user_id = $1 AND scope = $2`
	args := []interface{}{opts.UserID, opts.Scope}

	if opts.Type != "" {
		args = append(args, string(opts.Type))
		query += fmt.Sprintf(" AND mem_type = $%d", len(args))
	}
	if opts.Source != "" {
		args = append(args, string(opts.Source))
		query += fmt.Sprintf(" AND source = $%d", len(args))
	}
	query += " ORDER BY updated_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ScanMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memories []*storage.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("ScanMemories: %w", err)
		}
		memories = append(memories, m)
	}

	return memories, rows.Err()
}

// DeleteMemory deletes one memory row.
func (c *Client) DeleteMemory(ctx context.Context, id int64) error {
	result, err := c.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeleteMemory: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("DeleteMemory: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// DeleteMemories deletes every memory row in a (user, scope) partition.
func (c *Client) DeleteMemories(ctx context.Context, userID, scope string) (int64, error) {
	result, err := c.db.ExecContext(ctx,
		`DELETE FROM memories WHERE user_id = $1 AND scope = $2`, userID, scope)
	if err != nil {
		return 0, fmt.Errorf("DeleteMemories: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DeleteMemories: %w", err)
	}

	return affected, nil
}

// CountMemories returns the explicit and inferred row counts of a
// (user, scope) partition.
func (c *Client) CountMemories(ctx context.Context, userID, scope string) (int, int, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT source, COUNT(*) FROM memories
		WHERE user_id = $1 AND scope = $2
		GROUP BY source
	`, userID, scope)
	if err != nil {
		return 0, 0, fmt.Errorf("CountMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var explicit, inferred int
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return 0, 0, fmt.Errorf("CountMemories: %w", err)
		}
		switch storage.MemorySource(source) {
		case storage.SourceExplicit:
			explicit = count
		case storage.SourceInferred:
			inferred = count
		}
	}

	return explicit, inferred, rows.Err()
}

// InsertKnowledge inserts a knowledge row.
func (c *Client) InsertKnowledge(ctx context.Context, e *storage.KnowledgeEntry) error {
	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("InsertKnowledge: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO knowledge
		(id, guild_id, content, tags, added_by, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.GuildID, e.Content, string(tagsJSON), e.AddedBy,
		storage.EncodeEmbedding(e.Embedding), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("InsertKnowledge: %w", err)
	}

	return nil
}

// GetKnowledge returns one knowledge row by id.
func (c *Client) GetKnowledge(ctx context.Context, id int64) (*storage.KnowledgeEntry, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, guild_id, content, tags, added_by, embedding, created_at, updated_at
		FROM knowledge WHERE id = $1
	`, id)

	e, err := scanKnowledge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetKnowledge: %w", err)
	}

	return e, nil
}

// UpdateKnowledge replaces a row's content, tags, and embedding and bumps
// updated_at.
func (c *Client) UpdateKnowledge(ctx context.Context, e *storage.KnowledgeEntry) error {
	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("UpdateKnowledge: %w", err)
	}

	result, err := c.db.ExecContext(ctx, `
		UPDATE knowledge SET content = $1, tags = $2, embedding = $3, updated_at = $4
		WHERE id = $5
	`, e.Content, string(tagsJSON), storage.EncodeEmbedding(e.Embedding), e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("UpdateKnowledge: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateKnowledge: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// DeleteKnowledge deletes one knowledge row, verifying guild ownership.
func (c *Client) DeleteKnowledge(ctx context.Context, id int64, guildID string) error {
	result, err := c.db.ExecContext(ctx,
		`DELETE FROM knowledge WHERE id = $1 AND guild_id = $2`, id, guildID)
	if err != nil {
		return fmt.Errorf("DeleteKnowledge: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("DeleteKnowledge: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// ScanKnowledge returns knowledge rows matching the filters, newest first.
func (c *Client) ScanKnowledge(ctx context.Context, opts *storage.KnowledgeScanOptions) ([]*storage.KnowledgeEntry, error) {
	query := `
		SELECT id, guild_id, content, tags, added_by, embedding, created_at, updated_at
		FROM knowledge WHERE guild_id = $1`
	args := []interface{}{opts.GuildID}

	if !opts.Since.IsZero() {
		args = append(args, opts.Since)
		query += fmt.Sprintf(" AND created_at > $%d", len(args))
	}
	if opts.RequireEmbedding {
		query += " AND embedding IS NOT NULL"
	}
	query += " ORDER BY created_at DESC"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ScanKnowledge: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*storage.KnowledgeEntry
	for rows.Next() {
		e, err := scanKnowledge(rows)
		if err != nil {
			return nil, fmt.Errorf("ScanKnowledge: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanMessage scans a message row.
func scanMessage(s rowScanner) (*storage.Message, error) {
	var m storage.Message
	var embedding []byte

	err := s.Scan(&m.ID, &m.UserID, &m.Bot, &m.Platform, &m.PlatformMessageID,
		&m.GuildID, &m.ChannelID, &m.Content, &embedding, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	m.Embedding, err = storage.DecodeEmbedding(embedding)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// scanMemory scans a memory row.
func scanMemory(s rowScanner) (*storage.Memory, error) {
	var m storage.Memory
	var memType, source string
	var embedding []byte

	err := s.Scan(&m.ID, &m.UserID, &m.Scope, &memType, &m.Content,
		&embedding, &source, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	m.Type = storage.MemoryType(memType)
	m.Source = storage.MemorySource(source)
	m.Embedding, err = storage.DecodeEmbedding(embedding)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// scanKnowledge scans a knowledge row.
func scanKnowledge(s rowScanner) (*storage.KnowledgeEntry, error) {
	var e storage.KnowledgeEntry
	var tagsJSON string
	var embedding []byte

	err := s.Scan(&e.ID, &e.GuildID, &e.Content, &tagsJSON, &e.AddedBy,
		&embedding, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
		return nil, fmt.Errorf("parse tags: %w", err)
	}

	e.Embedding, err = storage.DecodeEmbedding(embedding)
	if err != nil {
		return nil, err
	}

	return &e, nil
}
