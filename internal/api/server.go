package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"txn-anomaly-monitor/internal/domain"
	"txn-anomaly-monitor/internal/ingest"
	"txn-anomaly-monitor/internal/logging"
	"txn-anomaly-monitor/internal/metrics"
	"txn-anomaly-monitor/internal/service"
	"txn-anomaly-monitor/internal/storage"
	"txn-anomaly-monitor/internal/version"
)

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 100
	maxBodyBytes       = 1 << 20
)

// Evaluator is the on-demand evaluation surface of the monitor.
type Evaluator interface {
	EvaluateSingle(ctx context.Context, status domain.Status, count int64, ts time.Time) (domain.Verdict, error)
	Status() service.StatusReport
}

// Ingester persists ingested batches synchronously.
type Ingester interface {
	Ingest(ctx context.Context, batch ingest.Batch) (ingest.Result, error)
}

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Store        storage.ObservationStore
	Monitor      Evaluator
	Feed         Ingester
	Queue        *ingest.Queue
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	MaxBatchSize int
}

// Server routes HTTP requests to the monitor, the feed and the store.
type Server struct {
	router   *mux.Router
	store    storage.ObservationStore
	monitor  Evaluator
	feed     Ingester
	queue    *ingest.Queue
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	maxBatch int
	now      func() time.Time
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		store:    deps.Store,
		monitor:  deps.Monitor,
		feed:     deps.Feed,
		queue:    deps.Queue,
		metrics:  deps.Metrics,
		logger:   logging.Component(deps.Logger, "api"),
		maxBatch: deps.MaxBatchSize,
		now:      time.Now,
	}
	if s.maxBatch <= 0 {
		s.maxBatch = 1000
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	s.router.HandleFunc("/transactions", s.ingestSingleHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/transactions/batch", s.ingestBatchHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/transactions/recent", s.recentHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/transactions/summary", s.summaryHandler).Methods(http.MethodGet)

	alerts := s.router.PathPrefix("/alerts").Subrouter()
	alerts.HandleFunc("/evaluate", s.evaluateHandler).Methods(http.MethodPost)
	alerts.HandleFunc("/status", s.alertStatusHandler).Methods(http.MethodGet)
	alerts.HandleFunc("/rates", s.ratesHandler).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument logs and measures every routed request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		elapsed := time.Since(started)
		s.metrics.ObserveRequest(r.Method, route, rec.code, elapsed)

		event := s.logger.Debug()
		if rec.code >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.Str("method", r.Method).
			Str("route", route).
			Int("code", rec.code).
			Dur("elapsed", elapsed).
			Msg("request served")
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", DBConnected: true, Version: version.Get().Version}

	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("store ping failed")
		resp.Status = "unhealthy"
		resp.DBConnected = false
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	total, err := s.store.Count(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("store count failed")
	}
	resp.TotalRecords = total
	writeJSON(w, http.StatusOK, resp)
}
