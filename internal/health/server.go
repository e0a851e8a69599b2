// Package health serves liveness endpoints for the hosting platform and
// keeps free-tier instances awake by pinging configured URLs.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

const (
	shutdownTimeout = 10 * time.Second
	checkTimeout    = 3 * time.Second
)

// Checker reports whether a dependency is usable.
type Checker interface {
	Ping(ctx context.Context) error
	Name() string
}

// Status is the /healthz response body.
type Status struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Store   string `json:"store,omitempty"`
	StoreOK bool   `json:"store_ok"`
	Error   string `json:"error,omitempty"`
}

type Server struct {
	port    int
	checker Checker
	logger  *slog.Logger
	started time.Time
	srv     *http.Server
}

// NewServer creates a health server on port. checker may be nil.
func NewServer(port int, checker Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		port:    port,
		checker: checker,
		logger:  logger.With("component", "health"),
		started: time.Now(),
	}
	s.srv = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router. GET and HEAD are served on every route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/", s.handlePing)
	r.Head("/", s.handlePing)
	r.Get("/ping", s.handlePing)
	r.Head("/ping", s.handlePing)
	r.Get("/healthz", s.handleHealthz)
	return r
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte("OK"))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := Status{Status: "ok", Uptime: time.Since(s.started).Round(time.Second).String()}
	code := http.StatusOK
	if s.checker != nil {
		st.Store = s.checker.Name()
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := s.checker.Ping(ctx)
		cancel()
		if err != nil {
			st.Status = "degraded"
			st.Error = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			st.StoreOK = true
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(st)
}

// Start binds the port and serves in the background until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("health listen on %d: %w", s.port, err)
	}
	s.logger.Info("health server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("health shutdown: %w", err)
	}
	return nil
}
