// Package server provides the HTTP API for MedVision.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/medvision/internal/batch"
	"github.com/hyperjump/medvision/internal/config"
	"github.com/hyperjump/medvision/internal/extract"
	"github.com/hyperjump/medvision/internal/keyword"
	"github.com/hyperjump/medvision/internal/report"
	"github.com/hyperjump/medvision/internal/storage"
	"github.com/hyperjump/medvision/pkg/utils"
)

// Deps are the collaborators the API serves. Reports and Index may be nil:
// analysis then fails with report_failed and search answers 501.
type Deps struct {
	Batch     *batch.Service
	Reports   report.Generator
	Prompts   *report.Prompts
	Storage   storage.Storage
	Images    *storage.ImageStore
	Index     keyword.SessionIndex
	Extractor *extract.Extractor
}

// Server is the HTTP server for the MedVision API.
type Server struct {
	Deps
	config *config.Config
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(deps Deps, cfg *config.Config, logger *zap.Logger) *Server {
	if deps.Prompts == nil {
		deps.Prompts = report.NewPrompts(cfg.Prompts, cfg.Report.DefaultTemplate)
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.NewExtractor(0)
	}
	return &Server{Deps: deps, config: cfg, logger: utils.OrNop(logger)}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	timeout := time.Duration(s.config.Server.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.config.Debug {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/vision", s.handleVision)
		r.Get("/templates", s.handleTemplates)
		r.Get("/status", s.handleStatus)
		r.Route("/sessions", func(r chi.Router) {
			r.Use(middleware.Compress(5, "application/json"))
			r.Get("/", s.handleListSessions)
			r.Get("/search", s.handleSearchSessions)
			r.Get("/export", s.handleExportSessions)
			r.Get("/{id}", s.handleGetSession)
			r.Delete("/{id}", s.handleDeleteSession)
		})
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
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
