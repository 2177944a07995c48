package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// RedisStore keeps each conversation as a JSON document under one key and
// its messages in a list, oldest first.
type RedisStore struct {
	client    goredis.UniversalClient
	namespace string
}

const redisTxRetries = 5

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.Namespace), nil
}

// NewRedisStoreWithClient wraps an existing client; the store takes ownership.
func NewRedisStoreWithClient(client goredis.UniversalClient, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "parley"
	}
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) convKey(id string) string { return s.namespace + ":conv:" + id }
func (s *RedisStore) msgsKey(id string) string { return s.namespace + ":msgs:" + id }
func (s *RedisStore) allKey() string           { return s.namespace + ":convs" }
func (s *RedisStore) userKey(userID string) string {
	return s.namespace + ":user:" + userID + ":convs"
}

func (s *RedisStore) EnsureConversation(ctx context.Context, conv NewConversation) (ConversationRecord, error) {
	now := time.Now().UTC()
	rec := ConversationRecord{
		ID:        conv.ID,
		Title:     conv.Title,
		UserID:    conv.UserID,
		Entries:   []Entry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return ConversationRecord{}, fmt.Errorf("marshal conversation: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.convKey(conv.ID), data, 0).Result()
	if err != nil {
		return ConversationRecord{}, fmt.Errorf("ensure conversation: %w", err)
	}
	if created {
		if err := s.index(ctx, rec.UserID, rec.ID, now); err != nil {
			return ConversationRecord{}, err
		}
		return rec, nil
	}
	return s.GetConversation(ctx, conv.ID)
}

func (s *RedisStore) GetConversation(ctx context.Context, conversationID string) (ConversationRecord, error) {
	raw, err := s.client.Get(ctx, s.convKey(conversationID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return ConversationRecord{}, ErrNotFound
	}
	if err != nil {
		return ConversationRecord{}, fmt.Errorf("get conversation: %w", err)
	}
	var rec ConversationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ConversationRecord{}, fmt.Errorf("decode conversation: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) ListConversations(ctx context.Context, userID string, limit int) ([]ConversationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	key := s.allKey()
	if userID != "" {
		key = s.userKey(userID)
	}
	ids, err := s.client.ZRevRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]ConversationRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetConversation(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) DeleteConversation(ctx context.Context, conversationID string) error {
	rec, err := s.GetConversation(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, s.convKey(conversationID), s.msgsKey(conversationID))
		p.ZRem(ctx, s.allKey(), conversationID)
		p.ZRem(ctx, s.userKey(rec.UserID), conversationID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := s.client.RPush(ctx, s.msgsKey(msg.ConversationID), data).Err(); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	err = s.updateRecord(ctx, msg.ConversationID, func(rec *ConversationRecord) error {
		rec.UpdatedAt = msg.CreatedAt
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (s *RedisStore) RecentMessages(ctx context.Context, conversationID string, limit int, roles ...Role) ([]Message, error) {
	raws, err := s.client.LRange(ctx, s.msgsKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	out := make([]Message, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var m Message
		if err := json.Unmarshal([]byte(raws[i]), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		if !roleAllowed(m.Role, roles) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) AppendEntry(ctx context.Context, conversationID string, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	return s.updateRecord(ctx, conversationID, func(rec *ConversationRecord) error {
		rec.Entries = append(rec.Entries, entry)
		rec.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *RedisStore) DeleteEntry(ctx context.Context, conversationID, entryID string) error {
	err := s.updateRecord(ctx, conversationID, func(rec *ConversationRecord) error {
		kept := make([]Entry, 0, len(rec.Entries))
		for _, e := range rec.Entries {
			if e.ID != entryID {
				kept = append(kept, e)
			}
		}
		rec.Entries = kept
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *RedisStore) SetSummary(ctx context.Context, conversationID, summary string) error {
	return s.updateRecord(ctx, conversationID, func(rec *ConversationRecord) error {
		rec.Summary = TruncateRunes(summary, SummaryCap)
		rec.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// updateRecord runs an optimistic read-modify-write on one conversation key.
func (s *RedisStore) updateRecord(ctx context.Context, conversationID string, mutate func(*ConversationRecord) error) error {
	key := s.convKey(conversationID)
	var updated ConversationRecord

	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec ConversationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode conversation: %w", err)
		}
		if err := mutate(&rec); err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal conversation: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			return nil
		})
		updated = rec
		return err
	}

	for attempt := 0; attempt < redisTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("update conversation: %w", err)
		}
		return s.index(ctx, updated.UserID, updated.ID, updated.UpdatedAt)
	}
	return fmt.Errorf("update conversation %s: too much contention", conversationID)
}

func (s *RedisStore) index(ctx context.Context, userID, conversationID string, at time.Time) error {
	score := float64(at.UnixMilli())
	_, err := s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZAdd(ctx, s.allKey(), goredis.Z{Score: score, Member: conversationID})
		p.ZAdd(ctx, s.userKey(userID), goredis.Z{Score: score, Member: conversationID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("index conversation: %w", err)
	}
	return nil
}
