// Package api exposes the load test controller over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
	"github.com/wesleyorama2/smtpload/internal/loadtest/engine"
	"github.com/wesleyorama2/smtpload/internal/store"
)

// Controller is the part of engine.Controller the API drives.
type Controller interface {
	Start(ctx context.Context, cfg *config.RunConfig) (*engine.RunHandle, error)
	Pause(id string) error
	Resume(id string) error
	Stop(id string) error
	Snapshot(id string) (*loadtest.RunState, bool)
	Active() []*loadtest.RunState
}

// MaxUploadSize bounds recipient and attachment uploads.
const MaxUploadSize = 10 << 20

// Options configures the server. Every field is optional.
type Options struct {
	// Store answers for runs the controller no longer holds
	Store store.Store

	// Events streams engine events at /api/events
	Events http.Handler

	// Metrics is mounted at /metrics
	Metrics http.Handler

	// DefaultTimeout replaces the built-in SMTP timeout for requests that
	// set none
	DefaultTimeout time.Duration

	CORSOrigins []string
	UploadDir   string
	Logger      *zap.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	ctrl      Controller
	store     store.Store
	events    http.Handler
	metrics   http.Handler
	origins   []string
	uploadDir string
	logger    *zap.Logger

	defaultTimeout time.Duration
}

// NewServer creates the API server.
func NewServer(ctrl Controller, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{
		ctrl:      ctrl,
		store:     opts.Store,
		events:    opts.Events,
		metrics:   opts.Metrics,
		origins:   opts.CORSOrigins,
		uploadDir: opts.UploadDir,
		logger:    opts.Logger,

		defaultTimeout: opts.DefaultTimeout,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/tests", func(r chi.Router) {
			r.Post("/start", s.startTest)
			r.Get("/active", s.activeTests)
			r.Get("/results", s.testResults)
			r.Get("/{id}", s.getTest)
			r.Post("/{id}/stop", s.stopTest)
			r.Post("/{id}/pause", s.pauseTest)
			r.Post("/{id}/resume", s.resumeTest)
		})

		r.Post("/upload/recipients", s.uploadRecipients)
		r.Post("/upload/attachment", s.uploadAttachment)

		if s.events != nil {
			r.Handle("/events", s.events)
		}
	})

	return r
}

// requestLogger logs one line per request. Event streams are logged when
// they close.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestId", middleware.GetReqID(r.Context())))
		})
	}
}
