package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/storyweaver/internal/chat"
	"github.com/antoniostano/storyweaver/internal/config"
	"github.com/antoniostano/storyweaver/internal/observability"
)

// ChatService is the story pipeline the HTTP and websocket handlers drive.
type ChatService interface {
	Chat(ctx context.Context, req chat.Request) (chat.Reply, error)
	Summary(ctx context.Context, sessionID string) (chat.SummaryResult, error)
	RegenerateSummary(ctx context.Context, sessionID string) (chat.SummaryResult, error)
	Stats(ctx context.Context, sessionID string) (chat.Stats, error)
	DeleteSession(ctx context.Context, sessionID string) (chat.DeleteResult, error)
}

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Chat    ChatService
	Store   Pinger
	Metrics *observability.Metrics
	Logger  *slog.Logger

	// Labels reported by /api/status.
	GenerationMode string
	StorageBackend string
}

type Server struct {
	cfg      config.Config
	chat     ChatService
	store    Pinger
	metrics  *observability.Metrics
	logger   *slog.Logger
	deps     Deps
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:     cfg,
		chat:    deps.Chat,
		store:   deps.Store,
		metrics: deps.Metrics,
		logger:  logger,
		deps:    deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may open a story socket unless
				// APP_ALLOW_ANY_ORIGIN is set.
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

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/chat/ws", s.handleChatWS)
		r.Get("/summary/{session_id}", s.handleSummary)
		r.Post("/regenerate-summary/{session_id}", s.handleRegenerateSummary)
		r.Get("/stats/{session_id}", s.handleStats)
		r.Delete("/session/{session_id}", s.handleDeleteSession)
		r.Get("/status", s.handleStatus)
		r.Get("/perf/latency", s.handlePerfLatency)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"storage_backend": s.deps.StorageBackend,
		"generation_mode": s.deps.GenerationMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", "err", err)
			respondError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"storage_backend": s.deps.StorageBackend,
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
