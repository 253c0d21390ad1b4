package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/beeweed/vibecoder/internal/agent"
	"github.com/beeweed/vibecoder/internal/chat"
	"github.com/beeweed/vibecoder/internal/config"
	"github.com/beeweed/vibecoder/internal/session"
	"github.com/beeweed/vibecoder/internal/store"
	"github.com/beeweed/vibecoder/internal/vfs"
)

// ChatStreamer runs one streaming chat turn.
type ChatStreamer interface {
	Stream(ctx context.Context, sessionID string, view *vfs.FileView, req chat.Request, emit func(chat.Event)) (*chat.Result, error)
}

// AgentRunner runs one agent loop request.
type AgentRunner interface {
	Run(ctx context.Context, sessionID string, view *vfs.FileView, req agent.Request, emit func(agent.Event)) (agent.Outcome, error)
}

// Config holds API server configuration.
type Config struct {
	Listen                  string
	Token                   string
	StreamHeartbeatInterval time.Duration
	SessionLockTimeout      time.Duration
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Sessions  *session.Registry
	Chat      ChatStreamer
	Agent     AgentRunner
	Runs      *store.RunStore
	Steps     *store.StepStore
	Providers ProviderCatalog
}

// ProviderCatalog is the model listing served by GET /v1/models.
type ProviderCatalog struct {
	Default   string         `json:"default_provider"`
	Providers []ProviderInfo `json:"providers"`
}

// ProviderInfo describes one configured provider. Keys are never exposed.
type ProviderInfo struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	DefaultModel string   `json:"default_model"`
	Models       []string `json:"models,omitempty"`
}

// CatalogFromConfig builds the provider listing from configuration.
func CatalogFromConfig(cfg *config.Config) ProviderCatalog {
	catalog := ProviderCatalog{Default: cfg.DefaultProvider}
	for _, name := range config.ProviderNames(cfg) {
		p := cfg.Providers[name]
		catalog.Providers = append(catalog.Providers, ProviderInfo{
			Name:         name,
			Kind:         p.Kind,
			DefaultModel: p.ModelFor(""),
			Models:       p.Models,
		})
	}
	return catalog
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE endpoints are long-lived streams.
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated
	r.Get("/healthz", s.handleHealthz)

	// Protected
	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Get("/v1/models", s.handleModels)

		r.Get("/v1/sessions", s.handleListSessions)
		r.Post("/v1/sessions", s.handleCreateSession)
		r.Route("/v1/sessions/{session_id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Get("/files", s.handleListFiles)
			r.Put("/files", s.handleReplaceFiles)
			r.Get("/files/*", s.handleReadFile)
			r.Post("/chat", s.handleChat)
			r.Post("/agent", s.handleAgent)
		})

		r.Get("/v1/runs", s.handleListRuns)
		r.Get("/v1/runs/{run_id}", s.handleGetRun)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
