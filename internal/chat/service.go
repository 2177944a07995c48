// Package chat runs one chat turn end to end: context assembly, model
// streaming and write-back of the turn into conversation memory.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/llm"
	"github.com/ent0n29/parley/internal/logging"
	"github.com/ent0n29/parley/internal/memory"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/recall"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultUserID  = "anonymous"
	titleMaxRunes  = 60
	defaultTimeout = 10 * time.Second
)

var ErrInvalidRequest = errors.New("invalid chat request")

type Config struct {
	MaxContextTokens int
	// SaveTimeout bounds write-back after the stream ends. Write-back runs
	// detached from the request so a disconnecting client cannot cut it short.
	SaveTimeout    time.Duration
	PersistPartial bool
}

type Deps struct {
	Store     memory.Store
	Assembler *recall.Assembler
	Recorder  *recall.TurnRecorder
	Extractor *recall.Extractor
	Provider  llm.Provider
	Metrics   *observability.Metrics
	Logger    *logrus.Entry
}

// Service is the turn handler shared by the SSE and websocket transports.
type Service struct {
	cfg          Config
	store        memory.Store
	assembler    *recall.Assembler
	recorder     *recall.TurnRecorder
	extractor    *recall.Extractor
	provider     llm.Provider
	providerName string
	metrics      *observability.Metrics
	log          *logrus.Entry
}

func New(cfg Config, deps Deps) *Service {
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 4000
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultTimeout
	}
	return &Service{
		cfg:          cfg,
		store:        deps.Store,
		assembler:    deps.Assembler,
		recorder:     deps.Recorder,
		extractor:    deps.Extractor,
		provider:     deps.Provider,
		providerName: llm.Name(deps.Provider),
		metrics:      deps.Metrics,
		log:          logging.OrComponent(deps.Logger, "chat"),
	}
}

type TurnRequest struct {
	ConversationID string
	// TurnID is generated when empty. Transports that label deltas before
	// the turn returns set it up front.
	TurnID         string
	UserID         string
	System         string
	Messages       []memory.ChatTurnMessage
	// MaxTokens overrides the configured context budget when positive.
	MaxTokens int
}

type TurnResult struct {
	ConversationID string
	TurnID         string
	Text           string
	Memories       []recall.ScoredMemory
	// Aborted is set when the stream ended early; Text then holds whatever
	// was produced before that.
	Aborted bool
}

// RunTurn assembles context, streams the model reply through onDelta and
// persists the turn. Memory failures never fail the turn; only provider
// errors and cancellation are returned.
func (s *Service) RunTurn(ctx context.Context, req TurnRequest, onDelta llm.DeltaHandler) (TurnResult, error) {
	start := time.Now()
	userMsg, err := validate(req)
	if err != nil {
		return TurnResult{}, err
	}

	scope := recall.Scope{
		ConversationID: strings.TrimSpace(req.ConversationID),
		UserID:         strings.TrimSpace(req.UserID),
	}
	if scope.ConversationID == "" {
		scope.ConversationID = uuid.NewString()
	}
	if scope.UserID == "" {
		scope.UserID = DefaultUserID
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.cfg.MaxContextTokens
	}
	result := TurnResult{ConversationID: scope.ConversationID, TurnID: strings.TrimSpace(req.TurnID)}
	if result.TurnID == "" {
		result.TurnID = uuid.NewString()
	}
	log := s.log.WithFields(logrus.Fields{
		"conversation_id": scope.ConversationID,
		"turn_id":         result.TurnID,
	})

	s.metrics.TurnStarted()
	defer s.metrics.TurnFinished()

	if _, err := s.store.EnsureConversation(ctx, memory.NewConversation{
		ID:     scope.ConversationID,
		UserID: scope.UserID,
		Title:  titleFor(req.Messages),
	}); err != nil {
		log.WithError(err).Warn("ensure conversation failed; continuing without memory")
		s.metrics.IncMemoryWrite("conversation", "error")
	}

	assembly := s.assembler.Assemble(ctx, scope.ConversationID, req.Messages, maxTokens)
	result.Memories = assembly.Memories
	s.metrics.ObserveTurnStage(observability.StageContextReady, time.Since(start))
	switch {
	case assembly.Injected && len(assembly.Messages) > 0 && assembly.Messages[0].Role == memory.RoleSystem:
		s.metrics.IncMemoryRetrieval("injected")
		s.metrics.ObserveIndicator("memory_injected")
	case assembly.Injected:
		s.metrics.IncMemoryRetrieval("evicted")
		s.metrics.ObserveIndicator("memory_evicted")
	default:
		s.metrics.IncMemoryRetrieval("none")
	}

	// The user message is persisted alongside the stream so a slow store
	// never delays the first delta.
	userSaved := make(chan error, 1)
	go func() {
		saveCtx, cancel := s.persistContext(ctx)
		defer cancel()
		userSaved <- s.recorder.OnUserTurnStart(saveCtx, scope, userMsg)
	}()

	var (
		firstDelta bool
		deltaErr   error
	)
	resp, streamErr := s.provider.StreamChat(ctx, llm.ChatRequest{
		System:   req.System,
		Messages: assembly.Messages,
	}, func(delta string) error {
		if !firstDelta {
			firstDelta = true
			s.metrics.ObserveFirstDeltaLatency(time.Since(start))
		}
		if onDelta == nil {
			return nil
		}
		deltaErr = onDelta(delta)
		return deltaErr
	})
	result.Text = resp.Text

	streamEnd := time.Now()
	if err := <-userSaved; err != nil {
		log.WithError(err).Warn("user message not persisted")
		s.metrics.IncMemoryWrite("user_message", "error")
	} else {
		s.metrics.IncMemoryWrite("user_message", "ok")
	}

	if streamErr != nil {
		result.Aborted = true
		s.finishAborted(ctx, log, scope, resp.Text, streamErr, deltaErr != nil)
		s.metrics.ObserveTurnStage(observability.StageTurnTotal, time.Since(start))
		return result, streamErr
	}

	s.finishCompleted(ctx, log, scope, userMsg, resp.Text)
	s.metrics.ObserveTurnStage(observability.StagePersist, time.Since(streamEnd))
	s.metrics.ObserveTurnStage(observability.StageTurnTotal, time.Since(start))
	s.metrics.IncTurn("completed")
	log.WithFields(logrus.Fields{
		"memories":   len(assembly.Memories),
		"trimmed":    assembly.Trimmed,
		"reply_len":  len(resp.Text),
		"elapsed_ms": time.Since(start).Milliseconds(),
	}).Info("turn completed")
	return result, nil
}

func (s *Service) finishCompleted(ctx context.Context, log *logrus.Entry, scope recall.Scope, userMsg memory.ChatTurnMessage, text string) {
	saveCtx, cancel := s.persistContext(ctx)
	defer cancel()

	if err := s.recorder.OnAssistantTurnComplete(saveCtx, scope, text); err != nil {
		log.WithError(err).Warn("assistant turn not fully persisted")
		s.metrics.IncMemoryWrite("assistant_turn", "error")
	} else {
		s.metrics.IncMemoryWrite("assistant_turn", "ok")
	}

	stored, err := s.extractor.Extract(saveCtx, scope, []memory.ChatTurnMessage{
		userMsg,
		{Role: memory.RoleAssistant, Content: text},
	})
	if err != nil {
		log.WithError(err).Warn("memory extraction partially failed")
		s.metrics.IncMemoryWrite("extracted", "error")
	}
	for range stored {
		s.metrics.IncMemoryWrite("extracted", "ok")
	}
}

func (s *Service) finishAborted(ctx context.Context, log *logrus.Entry, scope recall.Scope, partial string, streamErr error, clientGone bool) {
	cancelled := clientGone || errors.Is(streamErr, context.Canceled) || ctx.Err() != nil
	if cancelled {
		s.metrics.IncTurn("aborted")
		log.WithField("partial_len", len(partial)).Info("turn cancelled by client")
	} else {
		s.metrics.IncTurn("failed")
		s.metrics.IncProviderError(s.providerName, providerErrorCode(streamErr))
		log.WithError(streamErr).WithField("provider", s.providerName).Error("model stream failed")
	}

	if !s.cfg.PersistPartial {
		return
	}
	saveCtx, cancel := s.persistContext(ctx)
	defer cancel()
	if err := s.recorder.OnAssistantTurnAborted(saveCtx, scope, partial); err != nil {
		log.WithError(err).Warn("partial assistant message not persisted")
		s.metrics.IncMemoryWrite("partial", "error")
	}
}

func (s *Service) persistContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), s.cfg.SaveTimeout)
}

func validate(req TurnRequest) (memory.ChatTurnMessage, error) {
	if len(req.Messages) == 0 {
		return memory.ChatTurnMessage{}, fmt.Errorf("%w: messages required", ErrInvalidRequest)
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return memory.ChatTurnMessage{}, fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != memory.RoleUser || strings.TrimSpace(last.Content) == "" {
		return memory.ChatTurnMessage{}, fmt.Errorf("%w: last message must be a non-empty user message", ErrInvalidRequest)
	}
	return last, nil
}

func titleFor(msgs []memory.ChatTurnMessage) string {
	for _, m := range msgs {
		if m.Role == memory.RoleUser && strings.TrimSpace(m.Content) != "" {
			return memory.TruncateRunes(strings.TrimSpace(m.Content), titleMaxRunes)
		}
	}
	return "New conversation"
}

func providerErrorCode(err error) string {
	var se *llm.StatusError
	switch {
	case errors.As(err, &se):
		return fmt.Sprintf("http_%d", se.Code)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "stream_error"
	}
}
