package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/parley/internal/chat"
	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/logging"
	"github.com/ent0n29/parley/internal/memory"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/recall"
)

type Deps struct {
	Store     memory.Store
	Memories  *recall.Memories
	Retriever *recall.Retriever
	Chat      *chat.Service
	Metrics   *observability.Metrics
	Logger    *logrus.Entry
}

type Server struct {
	cfg       config.Config
	store     memory.Store
	memories  *recall.Memories
	retriever *recall.Retriever
	chat      *chat.Service
	metrics   *observability.Metrics
	log       *logrus.Entry
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:       cfg,
		store:     deps.Store,
		memories:  deps.Memories,
		retriever: deps.Retriever,
		chat:      deps.Chat,
		metrics:   deps.Metrics,
		log:       logging.OrComponent(deps.Logger, "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless the
				// operator opts out.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/memory", s.memoryRoutes)
	r.Route("/v1/memory", s.memoryRoutes)

	r.Post("/v1/chat", s.handleChatSSE)
	r.Get("/v1/chat/ws", s.handleChatWS)

	r.Get("/v1/conversations", s.handleListConversations)
	r.Get("/v1/conversations/{id}", s.handleGetConversation)
	r.Delete("/v1/conversations/{id}", s.handleDeleteConversation)
	r.Get("/v1/conversations/{id}/messages", s.handleListMessages)

	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) memoryRoutes(r chi.Router) {
	r.Get("/", s.handleGetMemories)
	r.Post("/", s.handleAddMemory)
	r.Delete("/", s.handleDeleteMemory)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.WithError(err).Warn("readiness check failed")
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
