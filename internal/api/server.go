// Package api serves the scheduler over HTTP: task status, start, reset and
// kill, follow-on answers, and a websocket stream of scheduler events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/verifgui/verifsched/internal/events"
	"github.com/verifgui/verifsched/internal/prompt"
	"github.com/verifgui/verifsched/internal/scheduler"
)

// Server routes HTTP requests to one scheduler.
type Server struct {
	sched    *scheduler.Scheduler
	broker   *prompt.Broker
	bus      *events.EventBus
	logger   zerolog.Logger
	router   *chi.Mux
	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithBroker serves pending follow-on questions from b. Without a broker the
// prompt routes answer 404.
func WithBroker(b *prompt.Broker) Option {
	return func(s *Server) { s.broker = b }
}

// WithEventBus streams bus on /events. Without a bus the route answers 404.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Server) { s.bus = bus }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates the router for sched.
func NewServer(sched *scheduler.Scheduler, opts ...Option) *Server {
	s := &Server{
		sched:  sched,
		logger: zerolog.Nop(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/tasks", s.listTasks)
	r.Get("/tasks/{name}", s.getTask)
	r.Post("/tasks/{name}/start", s.startTask)
	r.Post("/tasks/{name}/reset", s.resetTask)
	r.Post("/kill", s.kill)
	r.Get("/prompt", s.listPrompts)
	r.Post("/prompt", s.answerPrompt)
	r.Get("/events", s.streamEvents)

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: /events connections are long-lived.
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("serving HTTP API")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("HTTP API shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// logRequests logs every request once it has been served.
func (s *Server) logRequests(next http.Handler) http.Handler {
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
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps scheduler and prompt errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError

	var unknown *scheduler.UnknownTaskError
	var depFailed *scheduler.DependencyFailedError
	switch {
	case errors.As(err, &unknown), errors.Is(err, prompt.ErrNoSuchRequest):
		code = http.StatusNotFound
	case errors.As(err, &depFailed), errors.Is(err, scheduler.ErrTaskActive), errors.Is(err, scheduler.ErrCycle):
		code = http.StatusConflict
	case errors.Is(err, prompt.ErrNotCandidate):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
