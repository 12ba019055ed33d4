// Package server exposes the pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"scrapeqa/internal/config"
	"scrapeqa/internal/logging"
	"scrapeqa/internal/pipeline"
	"scrapeqa/internal/store"
)

// Answerer runs questions. *pipeline.Pipeline satisfies it.
type Answerer interface {
	Answer(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
	ScrapeOnly(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
	AnalyzeOnly(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// History reads past runs. *store.RunStore satisfies it.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
	GetAttempts(ctx context.Context, runID string) ([]store.AttemptRecord, error)
}

// Config holds HTTP settings.
type Config struct {
	Addr            string
	MaxUploadBytes  int64
	RateLimit       float64 // requests per second across all clients, 0 = unlimited
	RateBurst       int
	ShutdownTimeout time.Duration
}

// ConfigFromSettings maps the server section of the config file.
func ConfigFromSettings(cfg *config.Config) Config {
	return Config{
		Addr:            cfg.Server.Addr,
		MaxUploadBytes:  int64(cfg.Server.MaxUploadMB) << 20,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		ShutdownTimeout: cfg.GetShutdownTimeout(),
	}
}

// Server is the HTTP front end of the pipeline.
type Server struct {
	cfg      Config
	pipeline Answerer
	history  History // nil when the store is disabled
	limiter  *rate.Limiter
	handler  http.Handler
}

// New builds the server and its routes. history may be nil.
func New(cfg Config, p Answerer, history History) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{cfg: cfg, pipeline: p, history: history}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	s.handler = s.wrap(s.routes())
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	limited := func(h http.HandlerFunc) http.Handler {
		return s.rateLimit(s.limitBody(h))
	}
	mux.Handle("POST /api", limited(s.handleAPI))
	mux.Handle("POST /api/", limited(s.handleAPI))
	mux.Handle("POST /data_scrape", limited(s.handleDataScrape))
	mux.Handle("POST /answer", limited(s.handleAnswer))

	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	return mux
}

// wrap applies the middleware shared by every route, outermost first.
func (s *Server) wrap(h http.Handler) http.Handler {
	return recoverMiddleware(requestIDMiddleware(logRequests(cors(h))))
}

// Run serves on cfg.Addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Server("Listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		logging.Server("Shutting down (timeout %s)", s.cfg.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
