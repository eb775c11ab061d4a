package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/radiusdt/ads-metrics-engine/internal/config"
	"github.com/radiusdt/ads-metrics-engine/internal/database"
	"github.com/radiusdt/ads-metrics-engine/internal/errs"
	"github.com/radiusdt/ads-metrics-engine/internal/metrics"
	"github.com/radiusdt/ads-metrics-engine/internal/middleware"
	"github.com/radiusdt/ads-metrics-engine/internal/models"
	"go.uber.org/zap"
)

// Engine is the orchestrator surface the HTTP adapter calls.
type Engine interface {
	FetchMetrics(ctx context.Context, tenantID string, p models.Platform, r models.DateRange, forceFresh bool) (*models.AggregatedResult, error)
	RefreshCurrent(ctx context.Context, tenantID string, p models.Platform, g models.Granularity) (*models.AggregatedResult, error)
	ListSummaries(ctx context.Context, tenantID string, p models.Platform, t models.SummaryType, from, to time.Time) ([]*models.SummaryRecord, error)
}

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Engine   Engine
	DB       *database.PostgresDB
	Redis    *database.RedisDB
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// Server is the thin HTTP adapter over the engine.
type Server struct {
	engine  Engine
	db      *database.PostgresDB
	redis   *database.RedisDB
	logger  *zap.Logger
	config  *config.Config
	metrics *metrics.Metrics

	// RateLimit is exposed so the caller can schedule CleanupIPLimiters.
	RateLimit *middleware.RateLimitMiddleware
}

// NewServer constructs the server and its handler with all routes and middleware registered.
func NewServer(deps *Dependencies) (*Server, http.Handler) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		engine:  deps.Engine,
		db:      deps.DB,
		redis:   deps.Redis,
		logger:  logger,
		config:  deps.Config,
		metrics: deps.Metrics,
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled && deps.Gatherer != nil {
		mux.Handle(deps.Config.Metrics.Path, metrics.Handler(deps.Gatherer))
	}

	// Metrics API
	mux.Handle("/v1/metrics", s.instrument("/v1/metrics", s.handleMetrics))
	mux.Handle("/v1/refresh", s.instrument("/v1/refresh", s.handleRefresh))
	mux.Handle("/v1/summaries", s.instrument("/v1/summaries", s.handleSummaries))

	s.RateLimit = middleware.NewRateLimitMiddleware(deps.Config.RateLimit, logger)
	s.RateLimit.SetMetrics(deps.Metrics)

	handler := middleware.Chain(mux,
		middleware.NewRecoveryMiddleware(logger).Handler,
		middleware.NewRequestIDMiddleware().Handler,
		middleware.NewLoggingMiddleware(logger).Handler,
		s.RateLimit.Handler,
		middleware.NewAuthMiddleware(deps.Config.Auth, logger).Handler,
	)
	return s, handler
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	states, healthy := database.Report(ctx, database.Postgres(s.db), database.Redis(s.redis))
	status := map[string]string{"status": "ok"}
	for name, state := range states {
		status[name] = state
	}
	code := http.StatusOK
	if !healthy {
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// ---- Metrics API ----

// GET /v1/metrics?tenant_id&platform&start&end&force_fresh
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	rng, err := models.ParseDateRange(q.Get("start"), q.Get("end"))
	if err != nil {
		s.fail(w, r, errs.Validation("http.metrics", "%v", err))
		return
	}

	force := false
	if v := q.Get("force_fresh"); v != "" {
		if force, err = strconv.ParseBool(v); err != nil {
			s.fail(w, r, errs.Validation("http.metrics", "invalid force_fresh %q", v))
			return
		}
	}

	res, err := s.engine.FetchMetrics(r.Context(), q.Get("tenant_id"), models.Platform(q.Get("platform")), rng, force)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.jsonResponse(w, res)
}

// POST /v1/refresh?tenant_id&platform&granularity
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	granularity := models.Granularity(q.Get("granularity"))
	if granularity == "" {
		granularity = models.GranularityMonth
	}

	res, err := s.engine.RefreshCurrent(r.Context(), q.Get("tenant_id"), models.Platform(q.Get("platform")), granularity)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.jsonResponse(w, res)
}

// GET /v1/summaries?tenant_id&platform&type&from&to
func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	from, err := time.Parse(models.DateLayout, q.Get("from"))
	if err != nil {
		s.fail(w, r, errs.Validation("http.summaries", "invalid from date %q", q.Get("from")))
		return
	}
	to, err := time.Parse(models.DateLayout, q.Get("to"))
	if err != nil {
		s.fail(w, r, errs.Validation("http.summaries", "invalid to date %q", q.Get("to")))
		return
	}
	summaryType := models.SummaryType(q.Get("type"))
	if summaryType == "" {
		summaryType = models.SummaryMonthly
	}

	recs, err := s.engine.ListSummaries(r.Context(), q.Get("tenant_id"), models.Platform(q.Get("platform")), summaryType, from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.jsonResponse(w, map[string]interface{}{"summaries": recs})
}

// ---- Helpers ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency under a fixed route label.
func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		s.metrics.RecordHTTPRequest(r.Method, route, sw.status, time.Since(start))
	})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindPlatformAuth:
		return http.StatusUnauthorized
	case errs.KindPlatformRateLimit:
		return http.StatusTooManyRequests
	case errs.KindPlatformTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its status and stable code. Internal details of store and unknown
// errors are logged, not returned.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := statusFor(kind)

	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.RequestID(r.Context())),
			zap.Error(err),
		)
		message = "internal error"
	}
	if d := errs.RetryAfter(err); d > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int((d+time.Second-1)/time.Second)))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": kind.Code()})
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
