package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/parley/internal/chat"
	"github.com/ent0n29/parley/internal/memory"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/reliability"
)

type chatRequest struct {
	ConversationID string                   `json:"conversationId"`
	UserID         string                   `json:"userId"`
	System         string                   `json:"system"`
	Messages       []memory.ChatTurnMessage `json:"messages"`
	MaxTokens      int                      `json:"maxTokens"`
}

type sseDone struct {
	ConversationID string `json:"conversation_id"`
	TurnID         string `json:"turn_id"`
	Text           string `json:"text"`
}

type sseError struct {
	ConversationID string `json:"conversation_id"`
	Code           string `json:"code"`
	Retryable      bool   `json:"retryable"`
	Detail         string `json:"detail"`
	Text           string `json:"text,omitempty"`
}

// sseWriter defers the event-stream headers until the first frame so that
// request validation failures can still be answered with a JSON 400.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseWriter) event(name string, v any) error {
	s.start()
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if name != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *Server) handleChatSSE(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	flusher, _ := w.(http.Flusher)
	out := &sseWriter{w: w, flusher: flusher}
	res, err := s.chat.RunTurn(r.Context(), chat.TurnRequest{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		System:         req.System,
		Messages:       req.Messages,
		MaxTokens:      req.MaxTokens,
	}, func(delta string) error {
		return out.event("", map[string]string{"delta": delta})
	})

	switch {
	case err == nil:
		_ = out.event("done", sseDone{ConversationID: res.ConversationID, TurnID: res.TurnID, Text: res.Text})
	case errors.Is(err, chat.ErrInvalidRequest) && !out.started:
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case r.Context().Err() != nil:
		// Client went away; nothing left to write to.
	default:
		_ = out.event("error", sseError{
			ConversationID: res.ConversationID,
			Code:           "provider_error",
			Retryable:      reliability.IsRetryableError(err),
			Detail:         err.Error(),
			Text:           res.Text,
		})
	}
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.IncWSMessage("lifecycle", "connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.IncWSMessage("outbound", "write_error")
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.IncWSMessage("outbound", string(t))
				}
			}
		}
	}()

	turns := &wsTurns{server: s, ctx: ctx, outbound: outbound}
	turns.send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "ready"})

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			turns.sendError("", "invalid_client_message", "gateway", false, err.Error())
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.IncWSMessage("inbound", string(t))
		}

		switch msg := parsed.(type) {
		case protocol.ChatRequest:
			turns.start(msg)
		case protocol.ClientControl:
			if strings.EqualFold(msg.Action, protocol.ActionCancel) {
				turns.cancelActive()
			} else {
				turns.sendError("", "unsupported_action", "gateway", false, fmt.Sprintf("unknown action %q", msg.Action))
			}
		}
	}

	cancel()
	turns.wait()
	<-writerDone
	s.metrics.IncWSMessage("lifecycle", "disconnected")
}

// wsTurns runs at most one chat turn per connection at a time.
type wsTurns struct {
	server   *Server
	ctx      context.Context
	outbound chan<- any

	mu     sync.Mutex
	active context.CancelFunc
	wg     sync.WaitGroup
}

func (t *wsTurns) start(req protocol.ChatRequest) {
	t.mu.Lock()
	if t.active != nil {
		t.mu.Unlock()
		t.sendError(req.ConversationID, "turn_in_progress", "gateway", true, "a turn is already streaming on this connection")
		return
	}
	turnCtx, cancel := context.WithCancel(t.ctx)
	t.active = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			t.active = nil
			t.mu.Unlock()
			cancel()
		}()
		t.run(turnCtx, req)
	}()
}

func (t *wsTurns) run(ctx context.Context, req protocol.ChatRequest) {
	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		convID = uuid.NewString()
	}
	turnID := uuid.NewString()
	res, err := t.server.chat.RunTurn(ctx, chat.TurnRequest{
		ConversationID: convID,
		TurnID:         turnID,
		UserID:         req.UserID,
		System:         req.System,
		Messages:       req.Messages,
		MaxTokens:      req.MaxTokens,
	}, func(delta string) error {
		return t.sendCtx(ctx, protocol.AssistantTextDelta{
			Type:           protocol.TypeAssistantTextDelta,
			ConversationID: convID,
			TurnID:         turnID,
			TextDelta:      delta,
		})
	})

	end := protocol.AssistantTurnEnd{
		Type:           protocol.TypeAssistantTurnEnd,
		ConversationID: convID,
		TurnID:         turnID,
		Reason:         protocol.ReasonCompleted,
		Text:           res.Text,
	}
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrInvalidRequest):
		t.sendError(convID, "invalid_chat_request", "gateway", false, err.Error())
		return
	case ctx.Err() != nil:
		end.Reason = protocol.ReasonCancelled
	default:
		end.Reason = protocol.ReasonError
		t.sendError(convID, "provider_error", "llm", reliability.IsRetryableError(err), err.Error())
	}
	t.send(end)
}

func (t *wsTurns) cancelActive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active != nil {
		t.active()
	}
}

func (t *wsTurns) wait() {
	t.wg.Wait()
}

func (t *wsTurns) sendCtx(ctx context.Context, msg any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case t.outbound <- msg:
		return nil
	}
}

func (t *wsTurns) send(msg any) {
	_ = t.sendCtx(t.ctx, msg)
}

func (t *wsTurns) sendError(convID, code, source string, retryable bool, detail string) {
	t.send(protocol.ErrorEvent{
		Type:           protocol.TypeErrorEvent,
		ConversationID: convID,
		Code:           code,
		Source:         source,
		Retryable:      retryable,
		Detail:         detail,
	})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ChatRequest:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.AssistantTextDelta:
		return m.Type, true
	case protocol.AssistantTurnEnd:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
