// Package sqlite provides the SQLite row-store backend.
//
// SQLite is a lightweight, file-based database suitable for local
// development and single-node bots. Embeddings are stored as raw
// little-endian float32 buffers in BLOB columns; similarity scoring
// happens above this layer.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/semretrieve/semretrieve-go/pkg/storage"
)

// Client implements storage.Store using SQLite as the backend.
type Client struct {
	// db is the SQLite database connection.
	db *sql.DB
}

// Config contains configuration for creating a SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string
}

// NewClient creates a new SQLite store.
//
// Parent directories are created as needed and the three collection
// tables are initialized on first open.
func NewClient(cfg *Config) (*Client, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
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
			id INTEGER PRIMARY KEY,
			user_id TEXT NOT NULL,
			bot INTEGER NOT NULL DEFAULT 0,
			platform TEXT NOT NULL,
			platform_message_id TEXT NOT NULL,
			guild_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB,
			created_at DATETIME NOT NULL,
			UNIQUE(platform, platform_message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY,
			user_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			mem_type TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB,
			source TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_partition ON memories(user_id, scope, mem_type)`,
		`CREATE TABLE IF NOT EXISTS knowledge (
			id INTEGER PRIMARY KEY,
			guild_id TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			added_by TEXT NOT NULL,
			embedding BLOB,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
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
// (platform, platform_message_id). A duplicate insert returns the
// existing row's id.
func (c *Client) InsertMessage(ctx context.Context, m *storage.Message) (int64, error) {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	result, err := c.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(id, user_id, bot, platform, platform_message_id, guild_id, channel_id, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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

	// Duplicate: return the id of the row already holding this key.
	var existingID int64
	err = c.db.QueryRowContext(ctx,
		`SELECT id FROM messages WHERE platform = ? AND platform_message_id = ?`,
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
		`UPDATE messages SET embedding = ? WHERE id = ?`,
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
		FROM messages WHERE 1=1`
	var args []interface{}

	if opts.ChannelID != "" {
		query += " AND channel_id = ?"
		args = append(args, opts.ChannelID)
	}
	if opts.GuildID != "" {
		query += " AND guild_id = ?"
		args = append(args, opts.GuildID)
	}
	if opts.ExcludeBots {
		query += " AND bot = 0"
	}
	if !opts.Since.IsZero() {
		query += " AND created_at > ?"
		args = append(args, opts.Since)
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
		FROM messages WHERE channel_id = ?
		ORDER BY created_at DESC LIMIT ?
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		`UPDATE memories SET content = ?, embedding = ?, updated_at = ? WHERE id = ?`,
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
		FROM memories WHERE user_id = ? AND scope = ?`
	args := []interface{}{opts.UserID, opts.Scope}

	if opts.Type != "" {
		query += " AND mem_type = ?"
		args = append(args, string(opts.Type))
	}
	if opts.Source != "" {
		query += " AND source = ?"
		args = append(args, string(opts.Source))
	}
	query += " ORDER BY updated_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
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
	result, err := c.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
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
		`DELETE FROM memories WHERE user_id = ? AND scope = ?`, userID, scope)
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
		WHERE user_id = ? AND scope = ?
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
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
		FROM knowledge WHERE id = ?
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
		UPDATE knowledge SET content = ?, tags = ?, embedding = ?, updated_at = ?
		WHERE id = ?
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
// An id belonging to another guild leaves the row intact and returns
// storage.ErrNotFound.
func (c *Client) DeleteKnowledge(ctx context.Context, id int64, guildID string) error {
	result, err := c.db.ExecContext(ctx,
		`DELETE FROM knowledge WHERE id = ? AND guild_id = ?`, id, guildID)
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
		FROM knowledge WHERE guild_id = ?`
	args := []interface{}{opts.GuildID}

	if !opts.Since.IsZero() {
		query += " AND created_at > ?"
		args = append(args, opts.Since)
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
