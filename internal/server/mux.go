// Package server provides HTTP server construction for chat-sync.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
)

const shutdownTimeout = 10 * time.Second

// StatusFunc reports the current sync phase for health checks.
type StatusFunc func() string

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Users         auth.UserCredentials
	EventsHandler http.Handler
	MCPHandler    http.Handler
	Status        StatusFunc
	Logger        *slog.Logger
}

// NewMux builds the HTTP mux. /healthz is open; the event stream and the
// MCP endpoint require Basic credentials.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Status))

	authMiddleware := auth.Middleware(cfg.Users, cfg.Logger)
	mux.Handle("/events", authMiddleware(cfg.EventsHandler))
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

func handleHealth(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]string{"status": "ok"}
		if status != nil {
			body["phase"] = status()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

// New creates an http.Server for handler. There is no write timeout
// because /events responses stream for the life of the connection.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Serve runs srv on ln until ctx is cancelled, then shuts it down
// gracefully.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("starting HTTP server", slog.String("listen", ln.Addr().String()))

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// ListenAndServe listens on srv.Addr and calls Serve.
func ListenAndServe(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", srv.Addr, err)
	}

	return Serve(ctx, srv, ln, logger)
}
