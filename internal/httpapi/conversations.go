package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/parley/internal/memory"
)

const (
	defaultConversationLimit = 20
	defaultMessageLimit      = 50
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultConversationLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	convs, err := s.store.ListConversations(r.Context(), strings.TrimSpace(q.Get("userId")), limit)
	if err != nil {
		s.log.WithError(err).Warn("list conversations failed")
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "memory store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversations": convs,
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	conv, err := s.store.GetConversation(r.Context(), id)
	if errors.Is(err, memory.ErrNotFound) {
		respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("conversation_id", id).Warn("get conversation failed")
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "memory store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.store.DeleteConversation(r.Context(), id); err != nil && !errors.Is(err, memory.ErrNotFound) {
		s.log.WithError(err).WithField("conversation_id", id).Warn("delete conversation failed")
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "memory store unavailable")
		return
	}
	s.log.WithField("conversation_id", id).Info("conversation deleted")
	respondJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"deleted": true,
	})
}

// handleListMessages returns the most recent messages in chronological order.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	limit, err := intParam(r.URL.Query().Get("limit"), defaultMessageLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	msgs, err := s.store.RecentMessages(r.Context(), id, limit)
	if err != nil {
		s.log.WithError(err).WithField("conversation_id", id).Warn("list messages failed")
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "memory store unavailable")
		return
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"messages":        msgs,
	})
}
