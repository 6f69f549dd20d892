// Package server constructs and starts the relay's HTTP gateway with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// CreateHTTPServer creates and configures an HTTP server with the specified
// address and handler. It sets reasonable timeout values for production use;
// WebSocket connections clear these deadlines once upgraded.
func CreateHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartHTTPServer serves HTTP on ln and blocks until the server exits.
// http.ErrServerClosed after a shutdown is reported as nil.
func StartHTTPServer(server *http.Server, ln net.Listener, logger zerolog.Logger) error {
	logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP gateway listening")
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownHTTPServer gracefully shuts down the HTTP server. Hijacked
// WebSocket connections are not tracked here; Server.Shutdown ends them.
func ShutdownHTTPServer(server *http.Server, timeout time.Duration, logger zerolog.Logger) error {
	logger.Info().Msg("shutting down HTTP gateway")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("HTTP gateway shutdown error")
		return err
	}

	logger.Info().Msg("HTTP gateway shutdown completed")
	return nil
}
