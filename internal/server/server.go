// Package server provides the HTTP API for studyfed.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/studyfed/internal/config"
	"github.com/hyperjump/studyfed/internal/query"
	"github.com/hyperjump/studyfed/internal/session"
	"github.com/hyperjump/studyfed/internal/storage"
	"go.uber.org/zap"
)

// WatchService manages inbox directories at runtime.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// ImportService loads descriptors into the local datastore.
type ImportService interface {
	ImportFile(ctx context.Context, path string) error
	ImportDirectory(ctx context.Context, dir string) (int, error)
	RemoveFile(ctx context.Context, path string) error
	Clear(ctx context.Context) error
}

// Server is the HTTP server for the studyfed API.
type Server struct {
	session  *session.Session
	executor *query.Executor
	importer ImportService
	storage  storage.Storage
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server

	watch      WatchService
	configPath string
	configMu   sync.Mutex

	browse archiveBrowser
}

// NewServer creates a server with the given dependencies. watch may be nil when
// no inbox is configured; configPath empty disables persisting watch changes.
func NewServer(
	sess *session.Session,
	exec *query.Executor,
	imp ImportService,
	store storage.Storage,
	cfg *config.Config,
	logger *zap.Logger,
	watch WatchService,
	configPath string,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		session:    sess,
		executor:   exec,
		importer:   imp,
		storage:    store,
		config:     cfg,
		logger:     logger,
		watch:      watch,
		configPath: configPath,
	}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/search", s.handleSearch)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/results", s.handleResults)
		r.Get("/results/export", s.handleExport)
		r.Get("/sources", s.handleSources)
		r.Put("/group", s.handleChangeGroup)

		r.Get("/archive/studies", s.handleArchiveStudies)
		r.Get("/archive/page", s.handleArchivePage)

		r.Post("/import", s.handleImport)
		r.Delete("/import", s.handleRemoveImport)
		r.Post("/store/clear", s.handleClearStore)

		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)

		r.Get("/status", s.handleStatus)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	r := chi.NewRouter()
	if s.config.Debug {
		r.Use(middleware.Logger)
	}
	r.Mount("/", s.Handler())

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
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
