package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// SummaryCap is the maximum length, in characters, of a conversation summary.
const SummaryCap = 1000

var (
	ErrNotFound     = errors.New("conversation not found")
	ErrInvalidEntry = errors.New("invalid memory entry")
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// EntryType tags what kind of knowledge a memory entry carries.
type EntryType string

const (
	TypeUserPreference EntryType = "user_preference"
	TypeFact           EntryType = "fact"
	TypeContext        EntryType = "context"
	TypeSummary        EntryType = "summary"
)

func (t EntryType) Valid() bool {
	switch t {
	case TypeUserPreference, TypeFact, TypeContext, TypeSummary:
		return true
	default:
		return false
	}
}

const (
	MinImportance = 1
	MaxImportance = 10
)

// Attachment is a file reference carried alongside a message.
type Attachment struct {
	Name        string `json:"name" bson:"name"`
	URL         string `json:"url" bson:"url"`
	ContentType string `json:"content_type,omitempty" bson:"content_type,omitempty"`
}

// EntryMetadata describes ownership and ranking attributes of an entry.
type EntryMetadata struct {
	ConversationID string    `json:"conversation_id" bson:"conversation_id"`
	UserID         string    `json:"user_id" bson:"user_id"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
	Type           EntryType `json:"type" bson:"type"`
	Importance     int       `json:"importance" bson:"importance"`
}

// Entry is a small persisted fact, preference or context snippet. Entries are
// embedded in their conversation and never mutated after creation.
type Entry struct {
	ID       string        `json:"id" bson:"id"`
	Content  string        `json:"content" bson:"content"`
	Metadata EntryMetadata `json:"metadata" bson:"metadata"`
}

// Validate checks the invariants every stored entry must satisfy.
func (e Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEntry)
	}
	if e.Metadata.ConversationID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidEntry)
	}
	if !e.Metadata.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, e.Metadata.Type)
	}
	if e.Metadata.Importance < MinImportance || e.Metadata.Importance > MaxImportance {
		return fmt.Errorf("%w: importance %d outside [%d,%d]", ErrInvalidEntry, e.Metadata.Importance, MinImportance, MaxImportance)
	}
	return nil
}

// NewEntry builds an entry with a fresh id and creation time.
func NewEntry(conversationID, userID string, typ EntryType, importance int, content string) Entry {
	now := time.Now().UTC()
	return Entry{
		ID:      NewEntryID(now),
		Content: content,
		Metadata: EntryMetadata{
			ConversationID: conversationID,
			UserID:         userID,
			CreatedAt:      now,
			Type:           typ,
			Importance:     importance,
		},
	}
}

// NewEntryID returns "mem_<unix millis>_<random hex>". Collisions are unlikely
// enough that no uniqueness check is made.
func NewEntryID(now time.Time) string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "mem_" + strconv.FormatInt(now.UnixNano(), 10)
	}
	return "mem_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + hex.EncodeToString(buf[:])
}

// ConversationRecord is the per-conversation memory state.
type ConversationRecord struct {
	ID        string    `json:"id" bson:"_id"`
	Title     string    `json:"title" bson:"title"`
	UserID    string    `json:"user_id" bson:"user_id"`
	Summary   string    `json:"summary" bson:"summary"`
	Entries   []Entry   `json:"memory_entries" bson:"memory_entries"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Message is a persisted chat message.
type Message struct {
	ID             string       `json:"id" bson:"_id"`
	ConversationID string       `json:"conversation_id" bson:"conversation_id"`
	UserID         string       `json:"user_id" bson:"user_id"`
	Role           Role         `json:"role" bson:"role"`
	Content        string       `json:"content" bson:"content"`
	Attachments    []Attachment `json:"attachments,omitempty" bson:"attachments,omitempty"`
	Partial        bool         `json:"partial,omitempty" bson:"partial,omitempty"`
	CreatedAt      time.Time    `json:"created_at" bson:"created_at"`
}

// ChatTurnMessage is the transient shape sent to and from the model.
type ChatTurnMessage struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// NewConversation describes a conversation to create if it does not exist.
type NewConversation struct {
	ID     string
	UserID string
	Title  string
}

// Store persists conversation records and their messages.
//
// RecentMessages returns messages newest first. With no roles given, all
// roles are returned. DeleteEntry on an unknown id is a no-op.
type Store interface {
	EnsureConversation(ctx context.Context, conv NewConversation) (ConversationRecord, error)
	GetConversation(ctx context.Context, conversationID string) (ConversationRecord, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]ConversationRecord, error)
	DeleteConversation(ctx context.Context, conversationID string) error

	AppendMessage(ctx context.Context, msg Message) error
	RecentMessages(ctx context.Context, conversationID string, limit int, roles ...Role) ([]Message, error)

	AppendEntry(ctx context.Context, conversationID string, entry Entry) error
	DeleteEntry(ctx context.Context, conversationID, entryID string) error
	SetSummary(ctx context.Context, conversationID, summary string) error

	Ping(ctx context.Context) error
	Close() error
}
