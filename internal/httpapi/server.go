package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Config holds the operator HTTP listener settings
type Config struct {
	Enabled         bool          `toml:"enabled"`
	Address         string        `toml:"address"`
	Port            int           `toml:"port"`
	AllowedOrigins  []string      `toml:"allowed_origins"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// DefaultConfig listens on localhost for the dashboard.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Address:         "127.0.0.1",
		Port:            8080,
		AllowedOrigins:  []string{"http://localhost:3000"},
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    3 * time.Minute, // covers a manual sync session
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate checks the listener settings
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("Port must be between 0 and 65535, got %d", c.Port)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("ShutdownTimeout must be positive, got %v", c.ShutdownTimeout)
	}
	return nil
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Address, fmt.Sprintf("%d", c.Port))
}

// Server runs an http.Handler on its own goroutine.
type Server struct {
	config   Config
	handler  http.Handler
	logger   *slog.Logger
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// NewServer creates a server for handler.
func NewServer(config Config, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{config: config, handler: handler, logger: logger}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr(), err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests within ShutdownTimeout.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.wg.Wait()
	s.logger.Info("http server stopped")
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr()
}
