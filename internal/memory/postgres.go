package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversations in PostgreSQL. Memory entries live in
// a JSONB array on the conversation row so they stay embedded in their owner.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			memory_entries JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations (user_id, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			attachments JSONB NOT NULL DEFAULT '[]'::jsonb,
			partial BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			seq BIGSERIAL
		);`,
		`ALTER TABLE messages ADD COLUMN IF NOT EXISTS seq BIGSERIAL;`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const conversationColumns = `id, title, user_id, summary, memory_entries, created_at, updated_at`

func (s *PostgresStore) EnsureConversation(ctx context.Context, conv NewConversation) (ConversationRecord, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, title, user_id) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		conv.ID, conv.Title, conv.UserID,
	)
	if err != nil {
		return ConversationRecord{}, fmt.Errorf("ensure conversation: %w", err)
	}
	return s.GetConversation(ctx, conv.ID)
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (ConversationRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	rec, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConversationRecord{}, ErrNotFound
	}
	if err != nil {
		return ConversationRecord{}, fmt.Errorf("get conversation: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string, limit int) ([]ConversationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE ($1 = '' OR user_id = $1) ORDER BY updated_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := make([]ConversationRecord, 0, limit)
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id=$1`, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	attachments, err := json.Marshal(nonNilAttachments(msg.Attachments))
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, user_id, role, content, attachments, partial, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`,
		msg.ID,
		msg.ConversationID,
		msg.UserID,
		string(msg.Role),
		msg.Content,
		string(attachments),
		msg.Partial,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at=$2 WHERE id=$1`, msg.ConversationID, msg.CreatedAt); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int, roles ...Role) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var roleFilter []string
	for _, r := range roles {
		roleFilter = append(roleFilter, string(r))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, user_id, role, content, attachments, partial, created_at
		 FROM messages
		 WHERE conversation_id=$1 AND ($2::text[] IS NULL OR role = ANY($2))
		 ORDER BY created_at DESC, seq DESC LIMIT $3`,
		conversationID,
		roleFilter,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m           Message
			role        string
			attachments []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &role, &m.Content, &attachments, &m.Partial, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = Role(role)
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments: %w", err)
			}
			if len(m.Attachments) == 0 {
				m.Attachments = nil
			}
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AppendEntry(ctx context.Context, conversationID string, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal([]Entry{entry})
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET memory_entries = memory_entries || $2::jsonb, updated_at = now() WHERE id=$1`,
		conversationID, string(payload),
	)
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteEntry(ctx context.Context, conversationID, entryID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations SET memory_entries = COALESCE(
			(SELECT jsonb_agg(e ORDER BY i) FROM jsonb_array_elements(memory_entries) WITH ORDINALITY AS t(e, i) WHERE e->>'id' <> $2),
			'[]'::jsonb)
		 WHERE id=$1`,
		conversationID, entryID,
	)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetSummary(ctx context.Context, conversationID, summary string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET summary=$2, updated_at=now() WHERE id=$1`,
		conversationID, TruncateRunes(summary, SummaryCap),
	)
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanConversation(row pgx.Row) (ConversationRecord, error) {
	var (
		rec     ConversationRecord
		entries []byte
	)
	if err := row.Scan(&rec.ID, &rec.Title, &rec.UserID, &rec.Summary, &entries, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return ConversationRecord{}, err
	}
	if len(entries) > 0 {
		if err := json.Unmarshal(entries, &rec.Entries); err != nil {
			return ConversationRecord{}, fmt.Errorf("decode memory entries: %w", err)
		}
	}
	return rec, nil
}

func nonNilAttachments(in []Attachment) []Attachment {
	if in == nil {
		return []Attachment{}
	}
	return in
}
