// Package http provides the REST API for epochtick.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /v1/events
//	POST   /v1/events/batch
//	GET    /v1/report
//	GET    /v1/report/text
//	GET    /v1/deadletters
//	POST   /v1/deadletters/replay
//	DELETE /v1/deadletters/{id}
//	GET    /v1/topics/{topic}/ws
//	GET    /metrics
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/epochtick/internal/config"
	"github.com/snehjoshi/epochtick/internal/deadletter"
	"github.com/snehjoshi/epochtick/internal/metrics"
	"github.com/snehjoshi/epochtick/internal/scheduler"
	transportws "github.com/snehjoshi/epochtick/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with epochtick route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around sched. journal, hub and reg may be nil, which
// disables the dead-letter routes, the WebSocket route and /metrics
// respectively. The caller is responsible for ListenAndServe / Shutdown.
func New(
	cfg *config.Config,
	sched *scheduler.Scheduler[json.RawMessage],
	journal *deadletter.Journal,
	hub *transportws.Hub,
	reg *metrics.Registry,
	log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		sched:   sched,
		journal: journal,
		limits:  cfg.Scheduler,
		log:     log,
		started: time.Now(),
		clock:   time.Now,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Scheduling
	mux.HandleFunc("POST /v1/events", h.scheduleEvent)
	mux.HandleFunc("POST /v1/events/batch", h.scheduleBatch)

	// Inspection
	mux.HandleFunc("GET /v1/report", h.report)
	mux.HandleFunc("GET /v1/report/text", h.reportText)

	// Dead letters
	mux.HandleFunc("GET /v1/deadletters", h.listDeadLetters)
	mux.HandleFunc("POST /v1/deadletters/replay", h.replayDeadLetters)
	mux.HandleFunc("DELETE /v1/deadletters/{id}", h.deleteDeadLetter)

	// WebSocket push
	if hub != nil && cfg.WebSocket.Enabled {
		mux.Handle("GET /v1/topics/{topic}/ws", hub)
	}

	// Metrics (Prometheus text format)
	if reg != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", reg.Handler())
	}

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware(log, reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			ErrorLog:     zap.NewStdLog(log),
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
