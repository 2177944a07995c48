package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/parley/internal/chat"
	"github.com/ent0n29/parley/internal/memory"
	"github.com/ent0n29/parley/internal/recall"
)

// Listing and search use different defaults: a bare GET returns everything
// in the pool, a query narrows to the best few.
const (
	listLimit       = 50
	listMinScore    = 0.0
	searchLimit     = 5
	searchMinScore  = 0.3
	defaultAddType  = memory.TypeContext
	defaultAddLevel = 5
)

type memoriesResponse struct {
	ConversationID string                `json:"conversationId"`
	Query          string                `json:"query,omitempty"`
	Memories       []recall.ScoredMemory `json:"memories"`
}

type addMemoryRequest struct {
	ConversationID string           `json:"conversationId"`
	UserID         string           `json:"userId"`
	Content        string           `json:"content"`
	Type           memory.EntryType `json:"type"`
	Importance     *int             `json:"importance"`
}

func (s *Server) handleGetMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	convID := strings.TrimSpace(q.Get("conversationId"))
	if convID == "" {
		respondError(w, http.StatusBadRequest, "missing_conversation_id", "query parameter conversationId is required")
		return
	}
	query := strings.TrimSpace(q.Get("query"))

	limit, minScore := listLimit, listMinScore
	if query != "" {
		limit, minScore = searchLimit, searchMinScore
	}
	var err error
	if limit, err = intParam(q.Get("limit"), limit); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	if minScore, err = floatParam(q.Get("minScore"), minScore); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_min_score", err.Error())
		return
	}

	found, err := s.retriever.Retrieve(r.Context(), query, convID, limit, minScore)
	if err != nil {
		s.log.WithError(err).WithField("conversation_id", convID).Warn("memory retrieval failed")
		s.metrics.IncMemoryRetrieval("error")
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "memory store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, memoriesResponse{
		ConversationID: convID,
		Query:          query,
		Memories:       found,
	})
}

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if req.ConversationID == "" || strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "conversationId and content are required")
		return
	}
	if req.Type == "" {
		req.Type = defaultAddType
	}
	if !req.Type.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_type", fmt.Sprintf("unknown memory type %q", req.Type))
		return
	}
	importance := defaultAddLevel
	if req.Importance != nil {
		importance = *req.Importance
	}
	if importance < memory.MinImportance || importance > memory.MaxImportance {
		respondError(w, http.StatusBadRequest, "invalid_importance",
			fmt.Sprintf("importance must be between %d and %d", memory.MinImportance, memory.MaxImportance))
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = chat.DefaultUserID
	}

	log := s.log.WithFields(logrus.Fields{"conversation_id": req.ConversationID, "entry_type": req.Type})
	if _, err := s.store.EnsureConversation(r.Context(), memory.NewConversation{
		ID:     req.ConversationID,
		UserID: userID,
		Title:  "New conversation",
	}); err != nil {
		log.WithError(err).Warn("ensure conversation failed")
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "memory store unavailable")
		return
	}

	entry, err := s.memories.Add(r.Context(), memory.NewEntry(req.ConversationID, userID, req.Type, importance, strings.TrimSpace(req.Content)))
	switch {
	case errors.Is(err, recall.ErrInvalidInput), errors.Is(err, memory.ErrInvalidEntry):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case err != nil && entry.ID == "":
		log.WithError(err).Warn("memory add failed")
		s.metrics.IncMemoryWrite("manual", "error")
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "memory store unavailable")
		return
	case err != nil:
		// The entry is stored; only the summary fold failed.
		log.WithError(err).Warn("summary update failed after manual add")
	}
	s.metrics.IncMemoryWrite("manual", "ok")
	respondJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	convID := strings.TrimSpace(q.Get("conversationId"))
	memoryID := strings.TrimSpace(q.Get("memoryId"))
	if convID == "" || memoryID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "query parameters conversationId and memoryId are required")
		return
	}
	err := s.memories.Delete(r.Context(), convID, memoryID)
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		s.log.WithError(err).WithField("conversation_id", convID).Warn("memory delete failed")
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "memory store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversationId": convID,
		"memoryId":       memoryID,
		"deleted":        true,
	})
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("expected a non-negative integer, got %q", raw)
	}
	return v, nil
}

func floatParam(raw string, fallback float64) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, fmt.Errorf("expected a number in [0,1], got %q", raw)
	}
	return v, nil
}
