// Package api exposes search, category browse and backfill administration
// over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-backfill/internal/backfill"
	"github.com/sells-group/supplier-backfill/internal/model"
	"github.com/sells-group/supplier-backfill/internal/monitoring"
	"github.com/sells-group/supplier-backfill/internal/store"
)

// Coverage ensures listing coverage for a predicate.
type Coverage interface {
	EnsureCoverage(ctx context.Context, pred model.SearchPredicate, desired int) (*backfill.CoverageReport, error)
	EnsureCoverageAsync(pred model.SearchPredicate, desired int) bool
}

// Listings reads listings for display.
type Listings interface {
	CountListings(ctx context.Context, pred model.SearchPredicate) (int, error)
	FindListings(ctx context.Context, pred model.SearchPredicate, opts store.ListOptions) ([]model.ListingRecord, error)
	Ping(ctx context.Context) error
}

// BulkController drives the bulk backfill job.
type BulkController interface {
	Start(ctx context.Context, concurrency int) (model.JobProgress, error)
	Pause() (model.JobProgress, error)
	Resume(ctx context.Context, concurrency int) (model.JobProgress, error)
	Stop() model.JobProgress
	Progress() model.JobProgress
}

// SweepRunner runs one sweep batch.
type SweepRunner interface {
	RunBatch(ctx context.Context) (*model.SweepResult, error)
}

// MetricsSource produces a monitoring snapshot.
type MetricsSource interface {
	Collect(ctx context.Context) (*monitoring.MetricsSnapshot, error)
}

// Options tunes request handling.
type Options struct {
	DefaultPageSize    int
	MaxPageSize        int
	MaxPage            int
	FullCategoryTarget int
	DefaultConcurrency int
	SearchTimeout      time.Duration
	CORSOrigins        []string
	AdminToken         string
}

// Deps are the components the handlers call. Bulk, Sweep and Metrics may be
// nil, in which case their routes answer 503.
type Deps struct {
	Coverage Coverage
	Listings Listings
	Bulk     BulkController
	Sweep    SweepRunner
	Metrics  MetricsSource
}

// Server holds the HTTP handlers.
type Server struct {
	deps Deps
	opts Options
	log  *zap.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps, opts Options) *Server {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 20
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 100
	}
	if opts.MaxPage <= 0 {
		opts.MaxPage = 50
	}
	if opts.FullCategoryTarget <= 0 {
		opts.FullCategoryTarget = 300
	}
	if opts.DefaultConcurrency <= 0 {
		opts.DefaultConcurrency = 4
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 3 * time.Minute
	}
	return &Server{
		deps: deps,
		opts: opts,
		log:  zap.L().With(zap.String("component", "api.server")),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/search", s.handleSearch)
		r.Get("/categories/{category}", s.handleCategory)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/bulk", s.handleBulkStatus)
			r.Post("/bulk/start", s.handleBulkStart)
			r.Post("/bulk/pause", s.handleBulkPause)
			r.Post("/bulk/resume", s.handleBulkResume)
			r.Post("/bulk/stop", s.handleBulkStop)
			r.Post("/sweep", s.handleSweep)
			r.Get("/metrics", s.handleMetrics)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.deps.Listings.Ping(ctx); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "store": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken != "" && r.Header.Get("Authorization") != "Bearer "+s.opts.AdminToken {
			writeError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
