package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/reasonance-lab/streamcoder/internal/config"
	"github.com/reasonance-lab/streamcoder/internal/llm"
	"github.com/reasonance-lab/streamcoder/internal/metrics"
	"github.com/reasonance-lab/streamcoder/internal/runner"
)

// Server is the HTTP server for the streamcoder web API.
type Server struct {
	cfg      *config.Config
	runner   *runner.Runner
	metrics  *metrics.Collector
	profiles map[string]*llm.Profile
	hub      *Hub
	router   chi.Router
	http     *http.Server
}

// New creates a new Server. m may be nil.
func New(cfg *config.Config, r *runner.Runner, m *metrics.Collector) *Server {
	profiles, err := llm.LoadProfiles(cfg.Generation.ProfilesDir)
	if err != nil {
		log.Printf("loading generation profiles: %v", err)
		profiles = map[string]*llm.Profile{}
	}
	s := &Server{
		cfg:      cfg,
		runner:   r,
		metrics:  m,
		profiles: profiles,
		hub:      NewHub(),
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.observe)

	r.Handle("/metrics", s.metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		// WebSocket (no JSON content-type)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(jsonContentType)

			// Runs
			r.Post("/runs", s.handleRun)
			r.Get("/runs", s.handleRunning)
			r.Post("/check", s.handleCheck)

			// Sessions
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{identity}", s.handleGetSession)
			r.Delete("/sessions/{identity}", s.handleDeleteSession)
			r.Post("/sessions/{identity}/cancel", s.handleCancel)
			r.Get("/sessions/{identity}/export", s.handleExportSession)

			// Repository files
			r.Get("/repos", s.handleListRepos)
			r.Get("/files", s.handleListFiles)
			r.Get("/file", s.handleReadFile)
			r.Put("/file", s.handleWriteFile)
			r.Delete("/file", s.handleDeleteFile)

			// Generation
			r.Post("/generate", s.handleGenerate)
			r.Get("/providers", s.handleListProviders)

			// Policy
			r.Get("/policy", s.handlePolicy)
			r.Post("/policy/reload", s.handleReloadPolicy)
		})
	})

	// SPA fallback
	r.Handle("/*", spaHandler())
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// observe records request counts and latency by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTP(r.Method, route, status, time.Since(start))
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	log.Printf("streamcoder server starting on http://localhost%s", addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down server...")
	s.hub.CloseAll()
	if s.http == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
