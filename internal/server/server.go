package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/user/termbridge/internal/config"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	cfg        *config.Config
	httpServer *http.Server
}

// New routes /ws to the viewer transport and everything else to the
// control surface.
func New(cfg *config.Config, ws http.HandlerFunc, apiHandler http.Handler) *Server {
	mux := http.NewServeMux()
	if ws != nil {
		mux.HandleFunc("/ws", ws)
	}
	if apiHandler != nil {
		mux.Handle("/", apiHandler)
	}

	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully within
// a bounded time. Request contexts are derived from ctx.
func (s *Server) Start(ctx context.Context) error {
	// Long waits such as wait_for_stable_output end with ctx instead of
	// holding Shutdown open.
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
