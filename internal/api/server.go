package api

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/VenkatGGG/cbtr/internal/metrics"
	"github.com/VenkatGGG/cbtr/internal/result"
	"github.com/VenkatGGG/cbtr/internal/scheduler"
	"github.com/VenkatGGG/cbtr/pkg/httpx"
)

// Scheduler is the part of the scheduler the HTTP surface drives.
type Scheduler interface {
	End(ctx context.Context, in scheduler.EndInput) (scheduler.EndResult, error)
	Status() map[string][]string
	CountPending() int
}

type Options struct {
	TestRoot        string
	ArtifactDir     string
	ArtifactBaseURL string
	WebhookRate     float64
	WebhookBurst    int
}

type Server struct {
	scheduler Scheduler
	results   result.Store
	metrics   *metrics.Metrics
	opts      Options
	limiter   *clientLimiter
	logger    *log.Logger
}

func NewServer(sched Scheduler, results result.Store, m *metrics.Metrics, opts Options, logger *log.Logger) *Server {
	if strings.TrimSpace(opts.TestRoot) == "" {
		opts.TestRoot = "."
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		scheduler: sched,
		results:   results,
		metrics:   m,
		opts:      opts,
		limiter:   newClientLimiter(opts.WebhookRate, opts.WebhookBurst),
		logger:    logger,
	}
}

func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.handleHealth)
	router.Handle("/metrics", s.metrics.Handler())

	// The in-page reporter posts cross-origin.
	reporterCORS := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	router.Route("/cbtr", func(r chi.Router) {
		r.Use(reporterCORS.Handler)
		r.With(s.withRateLimit).Post("/run", s.handleRun)
		r.Get("/status", s.handleStatus)
		r.Get("/results", s.handleResults)
	})

	if base := strings.TrimSpace(s.opts.ArtifactBaseURL); base != "" && strings.TrimSpace(s.opts.ArtifactDir) != "" {
		router.Handle(base+"/*", http.StripPrefix(base+"/", http.FileServer(http.Dir(s.opts.ArtifactDir))))
	}
	router.Handle("/*", http.FileServer(http.Dir(s.opts.TestRoot)))

	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
