// Package api provides the HTTP server of DialogPipe.
//
// It exposes the conversation endpoints (initConversation, webhook,
// runExtractAndGeneration, history), bot storage, a health check and the
// Prometheus metrics endpoint. Turns are served by flow.Orchestrator.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/BTreeMap/DialogPipe/internal/flow"
	"github.com/BTreeMap/DialogPipe/internal/metrics"
	"github.com/BTreeMap/DialogPipe/internal/store"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	Apology         string
	// Gatherer backs /metrics; nil uses prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAllowedOrigins restricts CORS to the given origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *Opts) { o.AllowedOrigins = origins }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithApology sets the text returned when a turn cannot be served.
func WithApology(text string) Option {
	return func(o *Opts) { o.Apology = text }
}

// WithGatherer sets the registry exposed at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// Deps are the collaborators of the server.
type Deps struct {
	Store         store.Store
	Conversations flow.ConversationStore
	Orchestrator  *flow.Orchestrator
	Extractor     *flow.Extractor
	Metrics       *metrics.Collector
}

// Server is the DialogPipe HTTP server.
type Server struct {
	st            store.Store
	conversations flow.ConversationStore
	orchestrator  *flow.Orchestrator
	extractor     *flow.Extractor
	metrics       *metrics.Collector
	opts          Opts

	router  *mux.Router
	handler http.Handler
}

// NewServer builds the router and middleware chain.
func NewServer(deps Deps, opts ...Option) *Server {
	cfg := Opts{
		Addr:            DefaultAddr,
		AllowedOrigins:  []string{"*"},
		ShutdownTimeout: DefaultShutdownTimeout,
		Apology:         flow.DefaultApology,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		st:            deps.Store,
		conversations: deps.Conversations,
		orchestrator:  deps.Orchestrator,
		extractor:     deps.Extractor,
		metrics:       deps.Metrics,
		opts:          cfg,
		router:        mux.NewRouter(),
	}
	s.registerRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Length", "Content-Type"},
	})
	s.handler = c.Handler(s.router)
	slog.Debug("Server created", "addr", cfg.Addr, "origins", cfg.AllowedOrigins)
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	bot := s.router.PathPrefix("/v1/bot").Subrouter()
	bot.HandleFunc("/initConversation", s.initConversationHandler).Methods(http.MethodPost)
	bot.HandleFunc("/webhook", s.webhookHandler).Methods(http.MethodPost)
	bot.HandleFunc("/runExtractAndGeneration", s.runExtractAndGenerationHandler).Methods(http.MethodPost)
	bot.HandleFunc("/history/{conversation_id}", s.historyHandler).Methods(http.MethodGet)
	bot.HandleFunc("/{bot_id:[0-9]+}", s.putBotHandler).Methods(http.MethodPut)
	bot.HandleFunc("/{bot_id:[0-9]+}", s.getBotHandler).Methods(http.MethodGet)
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.RecordHTTP(route, rec.status, time.Since(start))
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}
