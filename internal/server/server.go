package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kibshh/ota-gateway/internal/ack"
	"github.com/kibshh/ota-gateway/internal/artifact"
	"github.com/kibshh/ota-gateway/internal/device"
	"github.com/kibshh/ota-gateway/internal/update"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	ServiceName    = "OTA Server"
	ServiceVersion = "1.0.0"
)

// RoutePrefix selects which path families are served.
type RoutePrefix string

const (
	// RoutesAPI serves only the /api prefixed paths
	RoutesAPI RoutePrefix = "api"
	// RoutesRoot serves only the unprefixed paths
	RoutesRoot RoutePrefix = "root"
	// RoutesBoth serves both families
	RoutesBoth RoutePrefix = "both"
)

// Server represents the HTTP server for OTA firmware distribution
type Server struct {
	httpServer *http.Server
	addr       string
	cfg        Config
	logger     zerolog.Logger

	catalog    *artifact.Catalog
	downloader *artifact.Downloader
	engine     *update.Engine
	auth       device.Authenticator
	acks       ack.Sink
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	CORSEnabled bool
	Routes      RoutePrefix
	// PublicHost overrides the request host in download URLs. A value
	// without a scheme is served over https.
	PublicHost string
}

// DefaultConfig returns a default server configuration
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
		CORSEnabled:  true,
		Routes:       RoutesBoth,
	}
}

// New creates a new server instance. A nil authenticator accepts every
// device and a nil sink drops acknowledgments after logging the request.
func New(
	cfg Config,
	catalog *artifact.Catalog,
	downloader *artifact.Downloader,
	engine *update.Engine,
	auth device.Authenticator,
	acks ack.Sink,
) *Server {
	if cfg.Routes == "" {
		cfg.Routes = RoutesBoth
	}
	if auth == nil {
		auth = device.NoopAuthenticator{}
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	server := &Server{
		addr:       addr,
		cfg:        cfg,
		logger:     log.Logger,
		catalog:    catalog,
		downloader: downloader,
		engine:     engine,
		auth:       auth,
		acks:       acks,
	}

	mux := http.NewServeMux()
	// Register API routes
	server.registerRoutes(mux)

	server.httpServer = &http.Server{
		Addr:         addr,
		Handler:      server.middleware(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return server
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until context is cancelled
func (s *Server) Start(ctx context.Context) error {
	// Start server in a goroutine
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Str("routes", string(s.cfg.Routes)).Msg("server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		s.logger.Info().Msg("server shut down gracefully")
		return nil
	case err := <-errChan:
		return err
	}
}

func (s *Server) prefixes() []string {
	switch s.cfg.Routes {
	case RoutesAPI:
		return []string{"/api"}
	case RoutesRoot:
		return []string{""}
	default:
		return []string{"", "/api"}
	}
}

// registerRoutes registers all API endpoints
func (s *Server) registerRoutes(mux *http.ServeMux) {
	for _, p := range s.prefixes() {
		// Update check; GET kept for devices that cannot send a body
		mux.HandleFunc("POST "+p+"/ota/devices/{device_id}/check", s.handleCheck)
		mux.HandleFunc("GET "+p+"/ota/devices/{device_id}/check", s.handleCheck)

		// Device acknowledgment
		mux.HandleFunc("POST "+p+"/ota/devices/{device_id}/ack", s.handleAck)

		// Firmware download, GET also matches HEAD
		mux.HandleFunc("GET "+p+"/firmware/{filename}", s.handleFirmwareDownload)

		mux.HandleFunc("GET "+p+"/health", s.handleHealth)
	}

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("/", s.handleNotFound)
}

// endpoints lists the served routes for the not-found body.
func (s *Server) endpoints() []string {
	var out []string
	for _, p := range s.prefixes() {
		out = append(out,
			"POST "+p+"/ota/devices/{device_id}/check",
			"POST "+p+"/ota/devices/{device_id}/ack",
			"GET "+p+"/firmware/{filename}",
			"GET "+p+"/health",
		)
	}
	return out
}
