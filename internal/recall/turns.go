package recall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/logging"
	"github.com/ent0n29/parley/internal/memory"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const assistantResponseImportance = 6

// TurnRecorder writes turn messages back to the store after the user speaks
// and after the model finishes.
type TurnRecorder struct {
	store    memory.Store
	memories *Memories
	log      *logrus.Entry
	now      func() time.Time
}

func NewTurnRecorder(store memory.Store, memories *Memories, log *logrus.Entry) *TurnRecorder {
	return &TurnRecorder{
		store:    store,
		memories: memories,
		log:      logging.OrComponent(log, "turns"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnUserTurnStart persists the user message verbatim. Callers treat the
// error as non-fatal.
func (r *TurnRecorder) OnUserTurnStart(ctx context.Context, scope Scope, msg memory.ChatTurnMessage) error {
	err := r.store.AppendMessage(ctx, memory.Message{
		ID:             uuid.NewString(),
		ConversationID: scope.ConversationID,
		UserID:         scope.UserID,
		Role:           memory.RoleUser,
		Content:        msg.Content,
		Attachments:    msg.Attachments,
		CreatedAt:      r.now(),
	})
	if err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	return nil
}

// OnAssistantTurnComplete persists the final assistant text and records a
// context entry for it. Each step is attempted even if an earlier one failed.
func (r *TurnRecorder) OnAssistantTurnComplete(ctx context.Context, scope Scope, finalText string) error {
	var errs []error
	err := r.store.AppendMessage(ctx, memory.Message{
		ID:             uuid.NewString(),
		ConversationID: scope.ConversationID,
		UserID:         scope.UserID,
		Role:           memory.RoleAssistant,
		Content:        finalText,
		CreatedAt:      r.now(),
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("persist assistant message: %w", err))
	}

	entry := memory.NewEntry(scope.ConversationID, scope.UserID, memory.TypeContext,
		assistantResponseImportance, "Assistant response: "+finalText)
	if _, err := r.memories.Add(ctx, entry); err != nil {
		errs = append(errs, fmt.Errorf("record assistant response: %w", err))
	}
	return errors.Join(errs...)
}

// OnAssistantTurnAborted keeps the text produced before cancellation as a
// partial message. Partial messages never become memory.
func (r *TurnRecorder) OnAssistantTurnAborted(ctx context.Context, scope Scope, partialText string) error {
	if strings.TrimSpace(partialText) == "" {
		return nil
	}
	err := r.store.AppendMessage(ctx, memory.Message{
		ID:             uuid.NewString(),
		ConversationID: scope.ConversationID,
		UserID:         scope.UserID,
		Role:           memory.RoleAssistant,
		Content:        partialText,
		Partial:        true,
		CreatedAt:      r.now(),
	})
	if err != nil {
		return fmt.Errorf("persist partial assistant message: %w", err)
	}
	r.log.WithFields(logrus.Fields{
		"conversation_id": scope.ConversationID,
		"chars":           len(partialText),
	}).Info("persisted partial assistant message")
	return nil
}
