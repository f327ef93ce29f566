// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"extractplane/internal/controller/handlers"
	"extractplane/internal/controller/middleware"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Options configures the controller server.
type Options struct {
	Addr string
	// APIToken guards mutating endpoints. Empty disables auth.
	APIToken string
	// Limiter throttles preview actions. Nil disables throttling.
	Limiter *middleware.RateLimiter
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(h *handlers.Handlers, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         opts.Addr,
			Handler:      Routes(h, opts),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Routes builds the controller's handler tree.
func Routes(h *handlers.Handlers, opts Options) http.Handler {
	authMW := middleware.RequireToken(opts.APIToken)
	throttle := func(next http.Handler) http.Handler { return next }
	if opts.Limiter != nil {
		throttle = opts.Limiter.Middleware()
	}

	mux := http.NewServeMux()

	// Preview and review
	mux.Handle("POST /preview", throttle(authMW(http.HandlerFunc(h.Preview))))
	mux.HandleFunc("GET /preview", h.ListPreviews)
	mux.Handle("POST /review", authMW(http.HandlerFunc(h.SetReview)))

	// Queue
	mux.Handle("POST /jobs", authMW(http.HandlerFunc(h.EnqueueJob)))
	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.Handle("POST /jobs/{id}/retry", authMW(http.HandlerFunc(h.RetryJob)))

	// Registry
	mux.Handle("POST /examples", authMW(http.HandlerFunc(h.CreateExample)))
	mux.HandleFunc("GET /examples", h.ListExamples)
	mux.HandleFunc("GET /examples/{id}", h.GetExample)

	// Probes
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	var handler http.Handler = mux
	handler = middleware.RequestLogger(opts.Logger)(handler)
	handler = chimw.Recoverer(handler)
	handler = chimw.RealIP(handler)
	handler = chimw.RequestID(handler)
	return handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
