// Package web serves the status pages and the JSON API through which users
// manage devices, outputs and schedules.
package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/sweeney/relay-scheduler/internal/auth"
	"github.com/sweeney/relay-scheduler/internal/metrics"
	"github.com/sweeney/relay-scheduler/internal/particle"
	"github.com/sweeney/relay-scheduler/internal/schedule"
	"github.com/sweeney/relay-scheduler/internal/status"
	"github.com/sweeney/relay-scheduler/internal/store"
)

// DeviceCloud is the subset of the device cloud the API drives directly.
type DeviceCloud interface {
	State(ctx context.Context, creds schedule.Credentials, pin string) (bool, error)
	SetState(ctx context.Context, creds schedule.Credentials, pin string, on bool) error
	Device(ctx context.Context, creds schedule.Credentials) (particle.DeviceInfo, error)
	Consumption(ctx context.Context, creds schedule.Credentials) (particle.Consumption, error)
}

// Flasher installs firmware on a device.
type Flasher interface {
	Flash(ctx context.Context, creds schedule.Credentials) (json.RawMessage, error)
	FlashSource(ctx context.Context, creds schedule.Credentials, source string) (json.RawMessage, error)
}

// Config wires a Server.
type Config struct {
	Addr       string
	Tracker    *status.Tracker
	Documents  *store.Documents
	Reconciler *schedule.Reconciler
	Cloud      DeviceCloud
	Flasher    Flasher
	JWTSecret  []byte
	TokenTTL   time.Duration
	Now        func() time.Time
	Logger     zerolog.Logger
}

// Server serves the status pages and the API over HTTP.
type Server struct {
	httpServer *http.Server
	cfg        Config
	log        zerolog.Logger
}

// New creates a Server. The API is only mounted when Documents and
// Reconciler are set.
func New(cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = auth.DefaultTTL
	}
	s := &Server{cfg: cfg, log: cfg.Logger.With().Str("component", "web").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(metricsMiddleware)

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	if cfg.Documents != nil && cfg.Reconciler != nil {
		s.routes(r)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.log.Warn().Err(err).Msg("render index")
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
