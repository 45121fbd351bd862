// Package server provides the HTTP API for Local Recall.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/localrecall/localrecall/internal/config"
	"github.com/localrecall/localrecall/internal/embedding"
	"github.com/localrecall/localrecall/internal/pipeline"
	"github.com/localrecall/localrecall/internal/rag"
	"github.com/localrecall/localrecall/internal/storage"
	"github.com/localrecall/localrecall/internal/vector"
)

// Server is the HTTP server for the Local Recall API.
type Server struct {
	engine   *rag.Engine
	pipeline *pipeline.Pipeline
	store    storage.Store
	index    *vector.FlatIndex
	embedder embedding.Embedder
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(
	engine *rag.Engine,
	pl *pipeline.Pipeline,
	store storage.Store,
	index *vector.FlatIndex,
	embedder embedding.Embedder,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	return &Server{
		engine:   engine,
		pipeline: pl,
		store:    store,
		index:    index,
		embedder: embedder,
		config:   cfg,
		logger:   logger,
	}
}

// Router builds the chi router. The streaming route is mounted outside the
// timeout middleware so long-lived SSE responses are not cut off.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Post("/api/v1/entries", s.handleCreateEntry)
		r.Get("/api/v1/entries", s.handleListEntries)
		r.Delete("/api/v1/entries", s.handleClearEntries)
		r.Delete("/api/v1/entries/{id}", s.handleDeleteEntry)
		r.Post("/api/v1/entries/{id}/reindex", s.handleReindexEntry)
		r.Post("/api/v1/query", s.handleQuery)
		r.Post("/api/v1/pipeline/start", s.handlePipelineStart)
		r.Post("/api/v1/pipeline/stop", s.handlePipelineStop)
		r.Get("/api/v1/status", s.handleStatus)
		r.Get("/health", s.handleHealth)
	})

	r.Post("/api/v1/query/stream", s.handleQueryStream)
	r.Get("/api/v1/query/stream", s.handleQueryStream)

	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
