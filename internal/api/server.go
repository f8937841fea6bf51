// Package api is the read-only status surface: health, queue snapshots, task
// and batch lookups, and prometheus metrics. Submissions stay in-process
// through the queue API.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/medscribe/scribe-engine/internal/config"
	"github.com/medscribe/scribe-engine/internal/database"
	"github.com/medscribe/scribe-engine/internal/queue"
	"github.com/medscribe/scribe-engine/internal/stt"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, db *database.DB, q *queue.ProcessingQueue,
	failover *stt.Failover, version string, startTime time.Time, log zerolog.Logger) *Server {

	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(Recoverer)
	r.Use(Metrics)

	// Health and metrics, no auth
	health := NewHealthHandler(db, failover, version, startTime)
	r.Get("/healthz", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	// Status routes
	status := NewStatusHandler(q)
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.HTTP.AuthToken))
		r.Get("/api/status", status.QueueStatus)
		r.Get("/api/tasks/{taskID}", status.Task)
		r.Get("/api/batches/{batchID}", status.Batch)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      r,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  cfg.HTTP.IdleTimeout,
		},
		log: log,
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
