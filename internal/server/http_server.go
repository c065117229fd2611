package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/logging"
)

// CreateServer creates an HTTP server for handler using the configured
// address and timeouts.
func CreateServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readTimeout,
		// Relay connections are long-lived; server.write_timeout bounds each
		// frame write in the pumps instead.
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
}

// HTTPService runs an http.Server under a supervisor.
type HTTPService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server. shutdownTimeout bounds graceful shutdown.
func NewHTTPService(server *http.Server, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve listens until ctx is canceled, then shuts the server down gracefully.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.server.Addr).Msg("server listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		return ShutdownServer(s.server, s.shutdownTimeout)
	}
}

// String names the service in supervisor logs.
func (s *HTTPService) String() string {
	return "http:" + s.server.Addr
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active requests.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	logging.Info().Msg("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logging.Error().Err(err).Msg("HTTP server shutdown error")
		return err
	}

	logging.Info().Msg("HTTP server shutdown completed")
	return nil
}
