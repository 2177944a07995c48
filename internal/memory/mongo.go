package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	mongoConversations = "conversations"
	mongoMessages      = "messages"
)

// MongoStore persists conversations as documents with embedded memory entries.
type MongoStore struct {
	client        *mongo.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
	lastSeq       atomic.Int64
}

// mongoMessage adds an insertion sequence so messages written within the same
// millisecond keep their order.
type mongoMessage struct {
	Message `bson:",inline"`
	Seq     int64 `bson:"seq"`
}

// nextSeq is a nanosecond clock forced to be strictly increasing.
func (s *MongoStore) nextSeq() int64 {
	for {
		prev := s.lastSeq.Load()
		next := time.Now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if s.lastSeq.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// NewMongoStore connects to MongoDB and prepares indexes. The client is owned
// by the store and released by Close.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:        client,
		conversations: db.Collection(mongoConversations),
		messages:      db.Collection(mongoMessages),
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create conversation index: %w", err)
	}
	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "seq", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create message index: %w", err)
	}
	return nil
}

func (s *MongoStore) EnsureConversation(ctx context.Context, conv NewConversation) (ConversationRecord, error) {
	now := time.Now().UTC()
	_, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conv.ID},
		bson.M{"$setOnInsert": bson.M{
			"title":          conv.Title,
			"user_id":        conv.UserID,
			"summary":        "",
			"memory_entries": []Entry{},
			"created_at":     now,
			"updated_at":     now,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return ConversationRecord{}, fmt.Errorf("ensure conversation: %w", err)
	}
	return s.GetConversation(ctx, conv.ID)
}

func (s *MongoStore) GetConversation(ctx context.Context, conversationID string) (ConversationRecord, error) {
	var rec ConversationRecord
	err := s.conversations.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ConversationRecord{}, ErrNotFound
	}
	if err != nil {
		return ConversationRecord{}, fmt.Errorf("get conversation: %w", err)
	}
	return rec, nil
}

func (s *MongoStore) ListConversations(ctx context.Context, userID string, limit int) ([]ConversationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := bson.M{}
	if userID != "" {
		filter["user_id"] = userID
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]ConversationRecord, 0, limit)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return out, nil
}

func (s *MongoStore) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, err := s.messages.DeleteMany(ctx, bson.M{"conversation_id": conversationID}); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := s.conversations.DeleteOne(ctx, bson.M{"_id": conversationID}); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *MongoStore) AppendMessage(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if _, err := s.messages.InsertOne(ctx, mongoMessage{Message: msg, Seq: s.nextSeq()}); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	_, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": msg.ConversationID},
		bson.M{"$set": bson.M{"updated_at": msg.CreatedAt}},
	)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *MongoStore) RecentMessages(ctx context.Context, conversationID string, limit int, roles ...Role) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	filter := bson.M{"conversation_id": conversationID}
	if len(roles) > 0 {
		filter["role"] = bson.M{"$in": roles}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "seq", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]Message, 0, limit)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return out, nil
}

func (s *MongoStore) AppendEntry(ctx context.Context, conversationID string, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{
			"$push": bson.M{"memory_entries": entry},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteEntry(ctx context.Context, conversationID, entryID string) error {
	_, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$pull": bson.M{"memory_entries": bson.M{"id": entryID}}},
	)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (s *MongoStore) SetSummary(ctx context.Context, conversationID, summary string) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{
			"summary":    TruncateRunes(summary, SummaryCap),
			"updated_at": time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
