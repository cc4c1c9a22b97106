// Package httpapi serves the HTTP trigger surface: synchronous runs, stored
// run records, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/store"
	"github.com/rendis/callflow/pkg/schema"
)

// Runner executes a single workflow run.
type Runner interface {
	Execute(ctx context.Context, req engine.RunRequest) *engine.RunResult
}

// Server holds the handlers' collaborators. Store, Metrics and Graph are optional.
type Server struct {
	runner  Runner
	store   store.Store
	metrics http.Handler
	logger  *slog.Logger
	timeout time.Duration
	graph   *engine.Graph
	entry   schema.StepID
}

// Option configures a Server.
type Option func(*Server)

// WithStore enables the run record endpoints.
func WithStore(s store.Store) Option { return func(srv *Server) { srv.store = s } }

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option { return func(srv *Server) { srv.metrics = h } }

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option { return func(srv *Server) { srv.logger = l } }

// WithRunTimeout bounds synchronous runs triggered over HTTP.
func WithRunTimeout(d time.Duration) Option { return func(srv *Server) { srv.timeout = d } }

// NewServer creates a Server around runner.
func NewServer(runner Runner, opts ...Option) *Server {
	s := &Server{runner: runner, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.graph != nil {
		r.Get("/graph", s.renderGraph)
	}
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.createRun)
		r.Get("/", s.listRuns)
		r.Get("/{id}", s.getRun)
		if s.graph != nil {
			r.Get("/{id}/graph", s.runGraph)
		}
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.LogAttrs(r.Context(), slog.LevelDebug, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := schema.CodeOf(err)
	msg := err.Error()
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		msg = fe.Message
	}
	writeJSON(w, statusFor(code), errorBody{Code: code, Message: msg})
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeDecode:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict:
		return http.StatusConflict
	case schema.ErrCodeAuth, schema.ErrCodeTransport, schema.ErrCodeCircuitOpen:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
