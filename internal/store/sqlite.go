// Package store implements durable storage for conversations, subscription tiers and the free message counter.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/cchalm/stockchat/internal/auth"
	"github.com/cchalm/stockchat/internal/persist"
)

var (
	// ErrNotFound is returned when a conversation does not exist or belongs to another owner
	ErrNotFound = errors.New("conversation not found")
	// ErrWrongOwner is returned when an upsert targets a conversation that belongs to another owner. Saving never
	// retries it
	ErrWrongOwner = persist.Permanent(errors.New("conversation belongs to another owner"))
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	tier          TEXT NOT NULL DEFAULT 'free',
	message_count INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	title      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS conversations_owner_updated ON conversations (owner, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	conversation_id TEXT NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
	position        INTEGER NOT NULL,
	id              TEXT NOT NULL,
	role            TEXT NOT NULL,
	kind            TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL,
	PRIMARY KEY (conversation_id, position)
);
`

// Summary describes a stored conversation without its messages
type Summary struct {
	ID           string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// History is conversation storage scoped to an owner
type History interface {
	persist.Store
	GetConversation(ctx context.Context, owner auth.Identity, id string) (persist.Record, error)
	ListConversations(ctx context.Context, owner auth.Identity) ([]Summary, error)
	DeleteConversation(ctx context.Context, owner auth.Identity, id string) error
}

// SQLiteStore keeps conversations, tiers and counters in a SQLite database
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at path and applies the schema
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer at a time; a single connection queues writers in the pool instead of failing them busy
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertConversation writes rec in a single transaction, replacing any messages stored for the conversation. The
// creation time of an existing conversation is kept
func (s *SQLiteStore) UpsertConversation(ctx context.Context, rec persist.Record) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, owner, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at
		WHERE conversations.owner = excluded.owner`,
		rec.ID, string(rec.Owner), rec.Title, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check upsert result: %w", err)
	} else if n == 0 {
		return ErrWrongOwner
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (conversation_id, position, id, role, kind, content)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range rec.Messages {
		if _, err := stmt.ExecContext(ctx, rec.ID, i, m.ID, m.Role, m.Kind, m.Content); err != nil {
			return fmt.Errorf("failed to insert message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetConversation returns a conversation owned by owner
func (s *SQLiteStore) GetConversation(ctx context.Context, owner auth.Identity, id string) (persist.Record, error) {
	rec := persist.Record{ID: id, Owner: owner}
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT title, created_at, updated_at FROM conversations WHERE id = ? AND owner = ?`,
		id, string(owner),
	).Scan(&rec.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return persist.Record{}, ErrNotFound
	} else if err != nil {
		return persist.Record{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, kind, content FROM messages WHERE conversation_id = ? ORDER BY position`, id)
	if err != nil {
		return persist.Record{}, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	rec.Messages = []persist.StoredMessage{}
	for rows.Next() {
		var m persist.StoredMessage
		if err := rows.Scan(&m.ID, &m.Role, &m.Kind, &m.Content); err != nil {
			return persist.Record{}, fmt.Errorf("failed to scan message: %w", err)
		}
		rec.Messages = append(rec.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return persist.Record{}, fmt.Errorf("failed to read messages: %w", err)
	}
	return rec, nil
}

// ListConversations returns the conversations of owner, most recently updated first
func (s *SQLiteStore) ListConversations(ctx context.Context, owner auth.Identity) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		WHERE c.owner = ?
		ORDER BY c.updated_at DESC, c.id`, string(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var (
			summary              Summary
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&summary.ID, &summary.Title, &createdAt, &updatedAt, &summary.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		summary.CreatedAt = time.UnixMilli(createdAt).UTC()
		summary.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversations: %w", err)
	}
	return summaries, nil
}

// DeleteConversation removes a conversation owned by owner, with its messages
func (s *SQLiteStore) DeleteConversation(ctx context.Context, owner auth.Identity, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND owner = ?`, id, string(owner))
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTier returns the tier of a user. Unknown users are free
func (s *SQLiteStore) GetTier(ctx context.Context, id auth.Identity) (auth.Tier, error) {
	var tier string
	err := s.db.QueryRowContext(ctx, `SELECT tier FROM users WHERE id = ?`, string(id)).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.TierFree, nil
	} else if err != nil {
		return "", fmt.Errorf("failed to look up tier: %w", err)
	}
	return auth.Tier(tier), nil
}

// SetTier changes the tier of a user, creating the user if needed
func (s *SQLiteStore) SetTier(ctx context.Context, id auth.Identity, tier auth.Tier) error {
	if tier != auth.TierFree && tier != auth.TierPremium {
		return fmt.Errorf("unknown tier %q", tier)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, tier, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET tier = excluded.tier, updated_at = excluded.updated_at`,
		string(id), string(tier), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}
	return nil
}

// IncrementAndGet atomically increments the message counter of a user and returns the new value
func (s *SQLiteStore) IncrementAndGet(ctx context.Context, id auth.Identity) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, message_count, updated_at) VALUES (?, 1, ?)
		ON CONFLICT (id) DO UPDATE SET
			message_count = users.message_count + 1,
			updated_at = excluded.updated_at
		RETURNING message_count`,
		string(id), s.now().UnixMilli(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment message count: %w", err)
	}
	return count, nil
}

// ResetCount sets the message counter of a user back to zero
func (s *SQLiteStore) ResetCount(ctx context.Context, id auth.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET message_count = 0, updated_at = ? WHERE id = ?`, s.now().UnixMilli(), string(id))
	if err != nil {
		return fmt.Errorf("failed to reset message count: %w", err)
	}
	return nil
}

// MessageCount returns the current counter value of a user
func (s *SQLiteStore) MessageCount(ctx context.Context, id auth.Identity) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT message_count FROM users WHERE id = ?`, string(id)).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to read message count: %w", err)
	}
	return count, nil
}
