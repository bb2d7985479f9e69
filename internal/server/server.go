package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BadgerOps/reposync/internal/mirror"
	"github.com/BadgerOps/reposync/internal/packages"
	"github.com/BadgerOps/reposync/internal/store"
)

// PackageTable is the read side of the package table.
type PackageTable interface {
	ListPackages(ctx context.Context, repo string) ([]string, error)
	Repositories(ctx context.Context) ([]string, error)
}

// RunLister lists recorded update runs.
type RunLister interface {
	ListUpdateRuns(ctx context.Context, limit int) ([]store.UpdateRun, error)
	GetUpdateRun(ctx context.Context, runID string) (*store.UpdateRun, error)
}

// UpdateRunner performs one package table update.
type UpdateRunner interface {
	Run(ctx context.Context) (*packages.Report, error)
}

// Server exposes mirror and package table views over a JSON API.
type Server struct {
	status   mirror.StatusFetcher
	rater    mirror.MirrorRater
	table    PackageTable
	runs     RunLister
	updater  UpdateRunner
	criteria mirror.Criteria
	logger   *slog.Logger

	httpServer *http.Server
	updating   sync.Mutex
	now        func() time.Time
}

// NewServer creates a new Server instance. criteria holds the filter
// defaults applied when a request leaves a field unset.
func NewServer(
	status mirror.StatusFetcher,
	rater mirror.MirrorRater,
	table PackageTable,
	runs RunLister,
	updater UpdateRunner,
	criteria mirror.Criteria,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		status:   status,
		rater:    rater,
		table:    table,
		runs:     runs,
		updater:  updater,
		criteria: criteria,
		logger:   logger,
		now:      time.Now,
	}
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:        listenAddr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Rating and updates run inside the request.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed API with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.setupRoutes())
}

// setupRoutes registers all HTTP routes on a new ServeMux.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// Mirror routes
	mux.HandleFunc("GET /api/mirrors", s.handleMirrors)
	mux.HandleFunc("GET /api/mirrors/countries", s.handleCountries)
	mux.HandleFunc("POST /api/mirrors/rate", s.handleRate)

	// Package table routes
	mux.HandleFunc("GET /api/packages", s.handleRepositories)
	mux.HandleFunc("GET /api/packages/{repo}", s.handlePackages)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	mux.HandleFunc("POST /api/update", s.handleUpdate)

	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", time.Since(start),
		)
	})
}
