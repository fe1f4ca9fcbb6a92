// Package server exposes the operator surface: the REST API, the Prometheus
// endpoint, and the live event streams.
//
// Responsibilities:
//   - Route the HTTP API with gorilla/mux and enforce CORS policy
//   - Translate component errors into stable JSON error tokens
//   - Fan bus topics out to WebSocket and NDJSON stream clients
//
// Integration points:
//   - cmd/kubeinquest builds one Server and owns its lifecycle
//   - internal/monitor, internal/scheduler, and internal/report do the
//     actual work; handlers stay thin
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kubeinquest/kubeinquest/internal/audit"
	"github.com/kubeinquest/kubeinquest/internal/bus"
	"github.com/kubeinquest/kubeinquest/internal/config"
	"github.com/kubeinquest/kubeinquest/internal/metrics"
	"github.com/kubeinquest/kubeinquest/internal/monitor"
	"github.com/kubeinquest/kubeinquest/internal/report"
	"github.com/kubeinquest/kubeinquest/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

// Deps collects the components the HTTP surface exposes. Monitor, Scheduler,
// and Store are required; Audit, Metrics, and Events degrade gracefully when
// nil.
type Deps struct {
	Monitor   *monitor.Monitor
	Scheduler *scheduler.Scheduler
	Store     *report.Store
	Audit     audit.Store
	Metrics   *metrics.Metrics
	Events    *bus.Bus
	Clock     clockwork.Clock
	Logger    *zap.Logger
	Version   string
	SafeMode  bool
}

// Server is the HTTP front end.
type Server struct {
	cfg      config.ServerConfig
	monitor  *monitor.Monitor
	sched    *scheduler.Scheduler
	store    *report.Store
	auditLog audit.Store
	metrics  *metrics.Metrics
	events   *bus.Bus
	clock    clockwork.Clock
	logger   *zap.Logger
	version  string
	safeMode bool

	startedAt time.Time

	mu         sync.Mutex
	httpServer *http.Server
}

// New builds the server. The listener is not bound until Start.
func New(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Server{
		cfg:       cfg,
		monitor:   deps.Monitor,
		sched:     deps.Scheduler,
		store:     deps.Store,
		auditLog:  deps.Audit,
		metrics:   deps.Metrics,
		events:    deps.Events,
		clock:     deps.Clock,
		logger:    deps.Logger.Named("server"),
		version:   deps.Version,
		safeMode:  deps.SafeMode,
		startedAt: deps.Clock.Now().UTC(),
	}
}

// Router assembles the full handler chain: request logging and panic
// recovery on every route, CORS on the outside.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware, s.recoveryMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/monitoring/status", s.handleMonitoringStatus).Methods("GET")
	api.HandleFunc("/monitoring/start", s.handleMonitoringStart).Methods("POST")
	api.HandleFunc("/monitoring/stop", s.handleMonitoringStop).Methods("POST")
	api.HandleFunc("/cluster/snapshot", s.handleClusterSnapshot).Methods("GET")
	api.HandleFunc("/investigations/deterministic", s.handleInvestigateDeterministic).Methods("POST")
	api.HandleFunc("/investigations/agentic", s.handleInvestigateAgentic).Methods("POST")
	api.HandleFunc("/investigations", s.handleListInvestigations).Methods("GET")
	api.HandleFunc("/investigations/{id}:cancel", s.handleCancelInvestigation).Methods("POST")
	api.HandleFunc("/investigations/{id}", s.handleGetInvestigation).Methods("GET")
	api.HandleFunc("/reports", s.handleListReports).Methods("GET")
	api.HandleFunc("/reports/{filename}", s.handleGetReportFile).Methods("GET")
	api.HandleFunc("/audit/events", s.handleAuditEvents).Methods("GET")

	r.HandleFunc("/stream/logs", s.handleStreamLogs).Methods("GET")
	r.HandleFunc("/stream/status", s.handleStreamStatus).Methods("GET")
	r.HandleFunc("/stream/reports", s.handleStreamReports).Methods("GET")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.HandleFunc("/info", s.handleInfo).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		s.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains in-flight requests within the shutdown timeout.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", s.clock.Since(start)))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"))
				respondError(w, http.StatusInternalServerError, "internal_error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter records the response status for the request log. It keeps the
// underlying Flusher and Hijacker reachable so streaming and WebSocket
// upgrades work through the middleware chain.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
