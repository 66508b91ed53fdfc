package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// CreateServer creates and configures an HTTP server with security settings.
// bodyTimeout bounds both reading a request and writing its response; zero
// leaves them unbounded, which large uploads and downloads need. Request
// headers are always bounded.
func CreateServer(addr string, handler http.Handler, bodyTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       bodyTimeout,
		WriteTimeout:      bodyTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer starts the HTTP server and blocks until it exits. A server
// stopped through ShutdownServer returns nil.
func StartServer(server *http.Server, log *slog.Logger) error {
	log.Info("HTTP server listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully stops the HTTP server, waiting for in-flight
// requests until ctx is done.
func ShutdownServer(ctx context.Context, server *http.Server, log *slog.Logger) error {
	log.Info("Shutting down HTTP server", "addr", server.Addr)
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("HTTP server shutdown incomplete", "addr", server.Addr, "error", err)
		return err
	}
	return nil
}
