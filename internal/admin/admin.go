// Package admin serves the tunnel's observability and control HTTP
// endpoints: GET /stats and POST /quit (spec.md §4.7.8, §5).
package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dominicbreuker/quictun/internal/config"
)

const shutdownTimeout = 15 * time.Second

// StatsWriter is implemented by both tunnel.ClientEngine and tunnel.Server.
type StatsWriter interface {
	WriteStats(w io.Writer) error
}

// Shutdowner is implemented by both tunnel.ClientEngine and tunnel.Server.
type Shutdowner interface {
	Shutdown() error
}

// Server is the admin HTTP endpoint.
type Server struct {
	log        zerolog.Logger
	httpServer *http.Server
	stats      StatsWriter
	shutdown   Shutdowner
	quitCh     chan struct{}
}

// New builds the admin server's router; call Run to start serving.
func New(cfg *config.Config, stats StatsWriter, shutdown Shutdowner, log zerolog.Logger) *Server {
	s := &Server{
		log:      log.With().Str("component", "admin").Logger(),
		stats:    stats,
		shutdown: shutdown,
		quitCh:   make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodPost, "/quit", http.HandlerFunc(s.handleQuit))
	r.MethodFunc(http.MethodGet, "/quit", methodNotAllowed)
	r.MethodFunc(http.MethodPut, "/quit", methodNotAllowed)
	r.MethodFunc(http.MethodDelete, "/quit", methodNotAllowed)
	r.MethodFunc(http.MethodPatch, "/quit", methodNotAllowed)
	r.MethodFunc(http.MethodHead, "/quit", methodNotAllowed)
	r.MethodFunc(http.MethodOptions, "/quit", methodNotAllowed)
	r.MethodFunc(http.MethodConnect, "/quit", methodNotAllowed)
	r.MethodFunc(http.MethodTrace, "/quit", methodNotAllowed)

	addr := net.JoinHostPort(cfg.Admin.BindIP, fmt.Sprintf("%d", cfg.Admin.BindPort))
	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

// Run serves until ctx is cancelled, then gracefully shuts the HTTP server
// down with a bounded timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin http server: %w", err)
	}
}

// Quit is closed once a /quit request has triggered a graceful shutdown of
// the tunnel engine, so main() knows to exit the process.
func (s *Server) Quit() <-chan struct{} {
	return s.quitCh
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.stats.WriteStats(w); err != nil {
		s.log.Warn().Err(err).Msg("writing stats response failed")
	}
}

// handleQuit replies 200 and, in the background, calls the tunnel's
// Shutdown, then signals Quit() once it has returned.
func (s *Server) handleQuit(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	go func() {
		if err := s.shutdown.Shutdown(); err != nil {
			s.log.Warn().Err(err).Msg("graceful shutdown reported an error")
		}
		close(s.quitCh)
	}()
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusMethodNotAllowed)
	_, _ = io.WriteString(w, "POST required")
}
