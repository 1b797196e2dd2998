// Package api exposes the pipeline and its health over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/FairForge/assetvault/internal/blob"
	"github.com/FairForge/assetvault/internal/engine"
	"github.com/FairForge/assetvault/internal/health"
	"github.com/FairForge/assetvault/internal/metrics"
	"github.com/FairForge/assetvault/internal/pipeline"
	"github.com/FairForge/assetvault/internal/resilience"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Deps are the components the server routes to. Metrics and Blobs are
// optional; their routes are omitted when nil.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Monitor  *health.Monitor
	Registry *resilience.Registry
	Metrics  *metrics.Metrics
	Blobs    *blob.Client
}

type Server struct {
	deps           Deps
	logger         *zap.Logger
	router         chi.Router
	httpServer     *http.Server
	maxRecordBytes int64

	requestCount atomic.Int64
	errorCount   atomic.Int64
	startTime    time.Time
}

// NewServer builds the router. maxRecordBytes bounds request bodies for
// POST /records; inline payloads make those much larger than stored
// documents, so it is usually far above the store ceiling.
func NewServer(addr string, deps Deps, maxRecordBytes int64, logger *zap.Logger) (*Server, error) {
	if deps.Pipeline == nil || deps.Monitor == nil || deps.Registry == nil {
		return nil, engine.ErrConfig("api", "pipeline, monitor and registry are required")
	}
	if maxRecordBytes < 1 {
		return nil, engine.ErrConfig("api.max_record_bytes", "must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		deps:           deps,
		logger:         logger,
		router:         chi.NewRouter(),
		maxRecordBytes: maxRecordBytes,
		startTime:      time.Now(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)

	s.router.Route("/breakers", func(r chi.Router) {
		r.Get("/", s.handleListBreakers)
		r.Post("/{id}/reset", s.handleResetBreaker)
	})
	s.router.Post("/recover", s.handleRecover)

	s.router.Post("/records/{key}", s.handlePersist)

	if s.deps.Blobs != nil {
		s.router.Get("/blobs/{hash}", s.handleGetBlob)
	}
	if s.deps.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		if ww.Status() >= http.StatusInternalServerError {
			s.errorCount.Add(1)
		}
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
