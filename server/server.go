// Package server exposes the engine's inbound events over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/songzhibin97/chatflow-engine/gateway"
	"github.com/songzhibin97/chatflow-engine/types"
	"github.com/songzhibin97/chatflow-engine/workflow"
)

// Engine is the part of the workflow engine the server drives.
type Engine interface {
	OnStart(ctx context.Context, userID string) (*workflow.Outcome, error)
	OnText(ctx context.Context, userID, text string) (*workflow.Outcome, error)
	OnCallback(ctx context.Context, userID, token string) (*workflow.Outcome, error)
	Session(ctx context.Context, userID string) (types.Session, bool, error)
}

// Outbox hands out the messages queued for a user since the last request.
type Outbox interface {
	Drain(userID string) []gateway.Message
}

var _ Engine = (*workflow.Engine)(nil)

// Response is the body of every event endpoint.
type Response struct {
	Outcome  *workflow.Outcome `json:"outcome"`
	Messages []gateway.Message `json:"messages"`
	Error    string            `json:"error,omitempty"`
}

type textRequest struct {
	Text string `json:"text"`
}

type callbackRequest struct {
	Data string `json:"data"`
}

type sessionResponse struct {
	Active  bool           `json:"active"`
	Session *types.Session `json:"session,omitempty"`
}

type server struct {
	engine  Engine
	outbox  Outbox
	logger  zerolog.Logger
	metrics http.Handler
}

// Option configures the handler.
type Option func(*server)

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *server) { s.logger = logger }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *server) { s.metrics = h }
}

// NewHandler creates the router:
//
//	POST /users/{userID}/start
//	POST /users/{userID}/text      {"text": "..."}
//	POST /users/{userID}/callback  {"data": "btn:node:0"}
//	GET  /users/{userID}/session
//	GET  /healthz
//	GET  /metrics                  (with WithMetrics)
func NewHandler(engine Engine, outbox Outbox, opts ...Option) http.Handler {
	s := &server{engine: engine, outbox: outbox, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Post("/start", s.start)
		r.Post("/text", s.text)
		r.Post("/callback", s.callback)
		r.Get("/session", s.session)
	})
	return r
}

func (s *server) start(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	out, err := s.engine.OnStart(r.Context(), userID)
	s.respond(w, userID, out, err)
}

func (s *server) text(w http.ResponseWriter, r *http.Request) {
	var body textRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, err)
		return
	}
	userID := chi.URLParam(r, "userID")
	out, err := s.engine.OnText(r.Context(), userID, body.Text)
	s.respond(w, userID, out, err)
}

func (s *server) callback(w http.ResponseWriter, r *http.Request) {
	var body callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, err)
		return
	}
	userID := chi.URLParam(r, "userID")
	out, err := s.engine.OnCallback(r.Context(), userID, body.Data)
	s.respond(w, userID, out, err)
}

func (s *server) session(w http.ResponseWriter, r *http.Request) {
	sess, ok, err := s.engine.Session(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.logger.Error().Err(err).Msg("session lookup failed")
		writeJSON(w, http.StatusInternalServerError, Response{Error: err.Error()})
		return
	}
	resp := sessionResponse{Active: ok}
	if ok {
		resp.Session = &sess
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) respond(w http.ResponseWriter, userID string, out *workflow.Outcome, err error) {
	resp := Response{Outcome: out, Messages: s.outbox.Drain(userID)}
	if resp.Messages == nil {
		resp.Messages = []gateway.Message{}
	}
	status := statusOf(err)
	if err != nil {
		resp.Error = err.Error()
		ev := s.logger.Warn()
		if status >= http.StatusInternalServerError {
			ev = s.logger.Error()
		}
		ev.Err(err).Str("user_id", userID).Msg("event not applied")
	}
	writeJSON(w, status, resp)
}

func (s *server) badRequest(w http.ResponseWriter, err error) {
	s.logger.Warn().Err(err).Msg("invalid request body")
	writeJSON(w, http.StatusBadRequest, Response{Error: "invalid request body"})
}

// statusOf maps the engine's error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, workflow.ErrInvalidCallback):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrGraphMismatch):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrCycleOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrSideEffectFailure):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}
