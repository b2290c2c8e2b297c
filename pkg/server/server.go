// Package server is the HTTP serving layer: prediction, fares, feedback,
// statistics and route metadata endpoints behind rate limiting and the
// response cache.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xianyu-ding/RailFair/pkg/cache"
	"github.com/xianyu-ding/RailFair/pkg/fares"
	"github.com/xianyu-ding/RailFair/pkg/metrics"
	"github.com/xianyu-ding/RailFair/pkg/predict"
	"github.com/xianyu-ding/RailFair/pkg/store"
)

// Config configures the HTTP server.
type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	AdminToken      string
	RateLimitPerMin int
	RateLimitPerDay int
}

// Server owns the router and its dependencies.
type Server struct {
	cfg        Config
	db         *store.Store
	cache      *cache.Cache
	engine     *predict.Engine
	comparator *fares.Comparator
	limiter    *RateLimiter
	metrics    *metrics.Metrics
	validate   *validator.Validate
	logger     *zap.Logger
	httpServer *http.Server
	loc        *time.Location

	started        time.Time
	isShuttingDown atomic.Bool
	predictions    atomic.Int64
	feedbackCount  atomic.Int64

	// Stats-endpoint counters; the prometheus registry keeps its own.
	requestTotal     atomic.Int64
	rateLimitHits    atomic.Int64
	processingMicros atomic.Int64
}

// NewServer wires the serving layer. The store handle must come from the
// reader pool; bulk ingestion writers use their own.
func NewServer(cfg Config, db *store.Store, respCache *cache.Cache,
	engine *predict.Engine, comparator *fares.Comparator,
	m *metrics.Metrics, logger *zap.Logger) (*Server, error) {
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	if cfg.RateLimitPerMin == 0 {
		cfg.RateLimitPerMin = 100
	}
	if cfg.RateLimitPerDay == 0 {
		cfg.RateLimitPerDay = 1000
	}
	return &Server{
		cfg:        cfg,
		db:         db,
		cache:      respCache,
		engine:     engine,
		comparator: comparator,
		limiter:    NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerDay, logger),
		metrics:    m,
		validate:   newValidator(),
		logger:     logger,
		loc:        loc,
		started:    time.Now(),
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}, nil
}

// Limiter exposes the rate limiter so the entrypoint can run its sweeper.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

// Handler builds the configured router. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Process-Time"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/predict", s.handlePredict)
		r.Post("/feedback", s.handleFeedback)
		r.Get("/stats", s.handleStats)
		r.Post("/reset-rate-limit", s.handleResetRateLimit)
		r.Get("/routes/popular", s.handlePopularRoutes)
		r.Get("/routes/{origin}/{destination}/stops", s.handleRouteStops)
	})

	return r
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpServer.Handler = s.Handler()
	s.logger.Info("starting API server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight connections, then closes the cache and the
// database pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.isShuttingDown.Store(true)
	s.logger.Info("draining HTTP connections")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	var errs []error
	if err := s.cache.Close(); err != nil {
		s.logger.Error("cache close failed", zap.Error(err))
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close failed", zap.Error(err))
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	s.logger.Info("graceful shutdown complete")
	return nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Middleware
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

type ctxKey int

const requestIDKey ctxKey = 0

// requestIDMiddleware assigns every request a 16-hex-character ID and
// echoes it in the X-Request-ID header.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newRequestID()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fall back to a time-derived ID rather than failing the request.
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// timedWriter injects X-Process-Time just before the first byte of the
// response, and records the status for logging.
type timedWriter struct {
	http.ResponseWriter
	start  time.Time
	status int
	wrote  bool
}

func (w *timedWriter) WriteHeader(code int) {
	if !w.wrote {
		elapsed := float64(time.Since(w.start).Microseconds()) / 1000
		w.Header().Set("X-Process-Time", strconv.FormatFloat(elapsed, 'f', 2, 64))
		w.wrote = true
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *timedWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &timedWriter{ResponseWriter: w, start: time.Now(), status: http.StatusOK}

		next.ServeHTTP(tw, r)

		elapsed := time.Since(tw.start)
		s.metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(tw.status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path).Observe(elapsed.Seconds())
		s.requestTotal.Add(1)
		s.processingMicros.Add(elapsed.Microseconds())

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", tw.status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("remote", r.RemoteAddr))
	})
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Response helpers
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	s.respondErrorFields(w, r, status, detail, nil)
}

func (s *Server) respondErrorFields(w http.ResponseWriter, r *http.Request, status int,
	detail string, fields []FieldError) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	errType, title := errorTypeAndTitle(status)
	resp := RFC7807Error{
		Type:      errType,
		Title:     title,
		Detail:    detail,
		Status:    status,
		Instance:  r.URL.Path,
		RequestID: requestIDFrom(r.Context()),
		Errors:    fields,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode error response", zap.Error(err))
	}
}

// handleHealth reports service, database and cache health. The database
// is load-bearing; the cache is not.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.isShuttingDown.Load() {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "shutting_down",
			"timestamp": time.Now().Format(time.RFC3339),
		})
		return
	}

	dbStatus := "healthy"
	status := http.StatusOK
	if err := s.db.Ping(r.Context()); err != nil {
		dbStatus = "unhealthy"
		status = http.StatusServiceUnavailable
		s.logger.Warn("database health check failed", zap.Error(err))
	}
	cacheStatus := "healthy"
	if err := s.cache.Ping(r.Context()); err != nil {
		// Degraded, not down: every cached path falls through to the DB.
		cacheStatus = "unavailable"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	s.respondJSON(w, status, map[string]any{
		"status":    overall,
		"timestamp": time.Now().Format(time.RFC3339),
		"components": map[string]string{
			"db":    dbStatus,
			"cache": cacheStatus,
		},
		"uptime_s": int(time.Since(s.started).Seconds()),
	})
}
