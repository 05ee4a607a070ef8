// Package statusserver serves the agent's health, metrics, session state
// and daily rollup on a loopback HTTP listener.
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pulsed/internal/health"
	"pulsed/internal/metrics"
	"pulsed/internal/store"
)

// ErrNotLoopback is returned for listen addresses outside the local host.
var ErrNotLoopback = errors.New("statusserver: listen address must be loopback")

// DailyReporter produces a day's rollup.
type DailyReporter interface {
	Daily(ctx context.Context, date time.Time) (store.DailySummary, error)
}

// Options configures a Server.
type Options struct {
	Listen  string
	Health  *health.Checker
	Metrics *metrics.Registry
	// Status returns the JSON body of /v1/status.
	Status func() any
	// Daily may be nil when the history store is disabled.
	Daily    DailyReporter
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

// Server is the local status endpoint.
type Server struct {
	opts   Options
	logger *slog.Logger
	router chi.Router

	mu   sync.Mutex
	srv  *http.Server
	addr net.Addr
	done chan struct{}
}

// New validates the options and builds the router.
func New(opts Options) (*Server, error) {
	if err := checkLoopback(opts.Listen); err != nil {
		return nil, err
	}
	if opts.Health == nil {
		opts.Health = health.NewChecker()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry("pulsed")
	}
	if opts.Status == nil {
		opts.Status = func() any { return struct{}{} }
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{opts: opts, logger: opts.Logger.With("component", "statusserver")}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Method(http.MethodGet, "/healthz", s.opts.Health.LivenessHandler())
	r.Method(http.MethodGet, "/readyz", s.opts.Health.ReadinessHandler())
	r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/today", s.handleDaily)
		r.Get("/days/{date}", s.handleDaily)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	})
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves in the background until ctx is done or
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("statusserver: already started")
	}

	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Listen, err)
	}
	s.addr = ln.Addr()
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.done = make(chan struct{})

	srv, done := s.srv, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", "error", err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		case <-done:
		}
	}()

	s.logger.Info("status server listening", "addr", s.addr.String())
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Status())
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	if s.opts.Daily == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "history store disabled"})
		return
	}

	date := s.opts.Now().In(s.opts.Location)
	raw := chi.URLParam(r, "date")
	if raw == "" {
		raw = r.URL.Query().Get("date")
	}
	if raw != "" {
		d, err := time.ParseInLocation("2006-01-02", raw, s.opts.Location)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid date %q: want YYYY-MM-DD", raw)})
			return
		}
		date = d
	}

	sum, err := s.opts.Daily.Daily(r.Context(), date)
	if err != nil {
		s.logger.Warn("daily rollup failed", "date", raw, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "daily rollup failed"})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func checkLoopback(listen string) error {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Errorf("statusserver: listen %q: %w", listen, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: %s", ErrNotLoopback, listen)
	}
	return nil
}
