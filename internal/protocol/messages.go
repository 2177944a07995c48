package protocol

import (
	"errors"
	"fmt"

	"github.com/ent0n29/parley/internal/memory"
	"github.com/goccy/go-json"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChatRequest        MessageType = "chat_request"
	TypeClientControl      MessageType = "client_control"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeAssistantTurnEnd   MessageType = "assistant_turn_end"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

// Control actions.
const (
	ActionCancel = "cancel"
)

// Turn end reasons.
const (
	ReasonCompleted = "completed"
	ReasonCancelled = "cancelled"
	ReasonError     = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ChatRequest struct {
	Type           MessageType              `json:"type"`
	RequestID      string                   `json:"request_id,omitempty"`
	ConversationID string                   `json:"conversation_id,omitempty"`
	UserID         string                   `json:"user_id,omitempty"`
	System         string                   `json:"system,omitempty"`
	Messages       []memory.ChatTurnMessage `json:"messages"`
	MaxTokens      int                      `json:"max_tokens,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Action    string      `json:"action"`
}

type AssistantTextDelta struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	TurnID         string      `json:"turn_id"`
	TextDelta      string      `json:"text_delta"`
}

type AssistantTurnEnd struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	TurnID         string      `json:"turn_id"`
	Reason         string      `json:"reason"`
	Text           string      `json:"text,omitempty"`
}

type SystemEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Code           string      `json:"code"`
	Detail         string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Code           string      `json:"code"`
	Source         string      `json:"source"`
	Retryable      bool        `json:"retryable"`
	Detail         string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeChatRequest:
		var msg ChatRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if len(msg.Messages) == 0 {
			return nil, errors.New("invalid chat_request: messages required")
		}
		for _, m := range msg.Messages {
			if !m.Role.Valid() {
				return nil, fmt.Errorf("invalid chat_request: unknown role %q", m.Role)
			}
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
