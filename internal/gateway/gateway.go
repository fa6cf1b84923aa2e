// Package gateway is the HTTP surface of the relay: provider webhooks, the
// control API, live task streams, health and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/commands"
	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/queue"
	"github.com/basket/go-relay/internal/webhook"
)

const (
	defaultMaxBodyBytes = 1 << 20
	healthTimeout       = 2 * time.Second
)

type Config struct {
	Store    *persistence.Store
	Pool     *engine.Pool
	Queue    queue.Queue
	Ingress  *webhook.Ingress
	Commands *commands.Registry
	Bus      *bus.Bus
	Metrics  *otel.Metrics

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser requests.
	// Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, shown on /healthz.
	ConfigFingerprint string

	RateLimit    config.RateLimitConfig
	MaxBodyBytes int64

	Logger *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimitMiddleware
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Bus == nil && cfg.Pool != nil {
		cfg.Bus = cfg.Pool.Bus()
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		limiter: NewRateLimitMiddleware(cfg.RateLimit),
	}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(NewCORSMiddleware(s.cfg.AllowOrigins))

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Wrap)
		r.Use(RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes))
		r.Post("/webhooks/{provider}", s.handleWebhook)
	})

	r.Group(func(r chi.Router) {
		r.Use(NewAuthMiddleware(s.cfg.AuthToken).Wrap)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/ws", s.handleWS)
		r.Route("/api", func(r chi.Router) {
			r.Use(RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes))
			r.Get("/tasks", s.handleListTasks)
			r.Get("/tasks/{id}", s.handleGetTask)
			r.Get("/tasks/{id}/stream", s.handleTaskStream)
			r.Get("/tasks/{id}/transitions", s.handleTaskTransitions)
			r.Post("/tasks/{id}/cancel", s.handleCancelTask)
			r.Post("/tasks/{id}/input", s.handleTaskInput)
			r.Post("/chat", s.handleChat)
			r.Get("/conversations/{id}", s.handleGetConversation)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Get("/commands/{provider}", s.handleListCommands)
			r.Put("/commands/{provider}/{name}", s.handlePutCommand)
			r.Delete("/commands/{provider}/{name}", s.handleDeleteCommand)
		})
	})

	return otelhttp.NewHandler(r, "gorelay.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// observe records request latency per route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.cfg.Metrics.Request(r.Context(), route, status, time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	dbOK := true
	var dbErr string
	if err := s.cfg.Store.Ping(ctx); err != nil {
		dbOK = false
		dbErr = err.Error()
	}
	queueOK := true
	queueDepth := -1
	if s.cfg.Queue != nil {
		if n, err := s.cfg.Queue.Len(ctx); err != nil {
			queueOK = false
		} else {
			queueDepth = n
		}
	}

	payload := map[string]any{
		"healthy":     dbOK && queueOK,
		"db_ok":       dbOK,
		"queue_ok":    queueOK,
		"queue_depth": queueDepth,
		"config_hash": s.cfg.ConfigFingerprint,
	}
	if dbErr != "" {
		payload["db_error"] = dbErr
	}
	if s.cfg.Pool != nil {
		payload["pool"] = s.cfg.Pool.Status()
	}
	if s.cfg.Ingress != nil {
		payload["webhooks"] = map[string]any{
			"providers":          s.cfg.Ingress.Providers(),
			"auth_failures":      s.cfg.Ingress.AuthFailures(),
			"rate_limit_clients": s.limiter.BucketCount(),
		}
	}
	status := http.StatusOK
	if !dbOK || !queueOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}

// writeStoreError maps persistence errors onto status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, persistence.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, persistence.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "store unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
