package feedomac

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ============================================================================
// Local cache
// ============================================================================

// Cache is the local store for merged messages and conversation summaries.
// The Session writes through on every merge so a history fetch that fails
// while offline can fall back to the last known state, which then self-heals
// on the next successful sync.
type Cache interface {
	PutMessages(conversationID int64, msgs []Message) error
	Messages(conversationID int64, limit int) ([]Message, error)
	PutSummaries(items []ConversationSummary) error
	Summaries(limit int) ([]ConversationSummary, error)
	DeleteConversation(conversationID int64) error
	Close() error
}

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-memory Cache.
type MemoryCache struct {
	mu        sync.RWMutex
	messages  map[int64]map[string]Message
	summaries map[int64]ConversationSummary
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		messages:  make(map[int64]map[string]Message),
		summaries: make(map[int64]ConversationSummary),
	}
}

func (c *MemoryCache) PutMessages(conversationID int64, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := c.messages[conversationID]
	if byID == nil {
		byID = make(map[string]Message)
		c.messages[conversationID] = byID
	}
	for _, m := range msgs {
		byID[m.ID] = m
	}
	return nil
}

func (c *MemoryCache) Messages(conversationID int64, limit int) ([]Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byID := c.messages[conversationID]
	out := make([]Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (c *MemoryCache) PutSummaries(items []ConversationSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range items {
		c.summaries[s.ID] = s
	}
	return nil
}

func (c *MemoryCache) Summaries(limit int) ([]ConversationSummary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ConversationSummary, 0, len(c.summaries))
	for _, s := range c.summaries {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *MemoryCache) DeleteConversation(conversationID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, conversationID)
	delete(c.summaries, conversationID)
	return nil
}

func (c *MemoryCache) Close() error { return nil }

// ============================================================================
// SQLiteCache
// ============================================================================

const cacheSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT NOT NULL,
	conversation_id INTEGER NOT NULL,
	sender_id       INTEGER NOT NULL,
	text            TEXT NOT NULL DEFAULT '',
	media_url       TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	status          INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conv_time ON messages (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS conversations (
	id            INTEGER PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	avatar        TEXT NOT NULL DEFAULT '',
	last_message  TEXT NOT NULL DEFAULT '',
	last_activity INTEGER NOT NULL DEFAULT 0,
	unread        INTEGER NOT NULL DEFAULT 0,
	online        INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteCache persists the local cache in a SQLite file so history survives
// process restarts.
type SQLiteCache struct {
	db *sql.DB
}

// OpenSQLiteCache opens (and if needed creates) the cache database at path.
// Use ":memory:" for an ephemeral database.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// modernc.org/sqlite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}
	return &SQLiteCache{db: db}, nil
}

func (c *SQLiteCache) PutMessages(conversationID int64, msgs []Message) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO messages (id, conversation_id, sender_id, text, media_url, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, id) DO UPDATE SET
			text = excluded.text,
			media_url = excluded.media_url,
			created_at = excluded.created_at,
			status = MAX(status, excluded.status)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.Exec(m.ID, conversationID, m.SenderID, m.Text, m.MediaURL,
			m.Timestamp.UnixNano(), int(m.Status)); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (c *SQLiteCache) Messages(conversationID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := c.db.Query(`
		SELECT id, sender_id, text, media_url, created_at, status
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var createdAt int64
		var status int
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Text, &m.MediaURL, &createdAt, &status); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ConversationID = conversationID
		m.Timestamp = time.Unix(0, createdAt)
		m.Status = DeliveryStatus(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the query; callers expect oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (c *SQLiteCache) PutSummaries(items []ConversationSummary) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO conversations (id, name, avatar, last_message, last_activity, unread, online)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			avatar = excluded.avatar,
			last_message = excluded.last_message,
			last_activity = excluded.last_activity,
			unread = excluded.unread,
			online = excluded.online`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, s := range items {
		online := 0
		if s.Online {
			online = 1
		}
		if _, err := stmt.Exec(s.ID, s.Name, s.Avatar, s.LastMessage,
			s.LastActivity.UnixNano(), s.Unread, online); err != nil {
			return fmt.Errorf("insert conversation %d: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

func (c *SQLiteCache) Summaries(limit int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.Query(`
		SELECT id, name, avatar, last_message, last_activity, unread, online
		FROM conversations ORDER BY last_activity DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var s ConversationSummary
		var lastActivity int64
		var online int
		if err := rows.Scan(&s.ID, &s.Name, &s.Avatar, &s.LastMessage, &lastActivity, &s.Unread, &online); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		s.LastActivity = time.Unix(0, lastActivity)
		s.Online = online == 1
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *SQLiteCache) DeleteConversation(conversationID int64) error {
	if _, err := c.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := c.db.Exec(`DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Close() error { return c.db.Close() }
