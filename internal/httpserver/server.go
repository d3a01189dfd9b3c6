package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/emberchat/emberchat/internal/chat"
	"github.com/emberchat/emberchat/internal/health"
	"github.com/emberchat/emberchat/internal/metrics"
	"github.com/emberchat/emberchat/internal/ratelimit"
	"github.com/emberchat/emberchat/internal/store"
	"github.com/emberchat/emberchat/internal/version"
)

// Server exposes the REST + streaming endpoints for emberchat.
type Server struct {
	service *chat.Service
	store   store.Store
	checker *health.Checker    // optional
	metrics *metrics.Collector // optional
	limiter *ratelimit.Limiter // optional, guards message sends per chat

	// streaming options
	ssePingInterval time.Duration

	// logging
	logger   *log.Logger
	logLevel string
}

// New constructs a Server with the required dependencies.
func New(service *chat.Service, st store.Store) *Server {
	return &Server{
		service:         service,
		store:           st,
		ssePingInterval: 15 * time.Second,
	}
}

// SetLogger configures logging output and level for the HTTP layer.
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = level
	s.logger = logger
}

// SetSSEPingInterval overrides the keepalive ping cadence (0 disables pings).
func (s *Server) SetSSEPingInterval(d time.Duration) {
	s.ssePingInterval = d
}

// SetHealthChecker enables collaborator probes on the health endpoint.
func (s *Server) SetHealthChecker(c *health.Checker) {
	s.checker = c
}

// SetMetrics enables request metrics and the Prometheus endpoint.
func (s *Server) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

// SetRateLimiter throttles message sends per chat session.
func (s *Server) SetRateLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() && s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Router assembles the chi routing tree. Optional components (health
// checker, metrics, rate limiter) must be installed before calling Router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.recordRequest)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Get("/metrics", s.handleMetrics)
	}

	r.Route("/api/chats/{chatID}", func(api chi.Router) {
		api.Get("/messages", s.handleListMessages)

		send := api
		if s.limiter != nil {
			onLimit := func(string) {
				if s.metrics != nil {
					s.metrics.RecordRateLimitHit()
				}
			}
			send = api.With(ratelimit.Middleware(s.limiter, func(r *http.Request) string {
				return chi.URLParam(r, "chatID")
			}, onLimit))
		}
		send.Post("/messages", s.handleSendMessage)

		api.Post("/messages/cancel", s.handleCancelMessage)
		api.Get("/stream", s.handleStreamViewer)
	})

	return r
}

// recordRequest tracks per-endpoint request counts, durations and error
// responses when a metrics collector is installed.
func (s *Server) recordRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.Method + " " + chi.RouteContext(r.Context()).RoutePattern()
		s.metrics.RecordRequest(endpoint, time.Since(start))
		if ww.Status() >= 400 {
			s.metrics.RecordRequestError(endpoint)
		}
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"version":        version.Version,
		"active_streams": s.service.Registry().Len(),
		"time":           time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if s.checker != nil {
		report := s.checker.Check(r.Context())
		body["status"] = string(report.Status)
		body["components"] = report.Components
		if report.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
	}
	s.respondJSON(w, status, body)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}
