// Package server wires the tunnel service together: database, agent
// registry, public proxy, auth endpoints, telemetry and the maintenance
// scheduler.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/burrowlabs/burrow/internal/db"
	"github.com/burrowlabs/burrow/internal/geo"
	"github.com/burrowlabs/burrow/internal/server/auth"
	"github.com/burrowlabs/burrow/internal/server/config"
	"github.com/burrowlabs/burrow/internal/server/proxy"
	"github.com/burrowlabs/burrow/internal/server/scheduler"
	"github.com/burrowlabs/burrow/internal/server/tunnel"
	"github.com/burrowlabs/burrow/internal/server/web/api"
	"github.com/burrowlabs/burrow/internal/server/web/middleware"
	"github.com/burrowlabs/burrow/internal/stats"
	"github.com/burrowlabs/burrow/internal/store"
	"github.com/burrowlabs/burrow/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

// Server owns every long-lived component and the two HTTP listeners.
type Server struct {
	cfg *config.Config

	store     *store.Store
	pipeline  *stats.Pipeline
	registry  *tunnel.Registry
	proxy     *proxy.Proxy
	scheduler *scheduler.Scheduler

	public *http.Server
	api    *http.Server
}

// New builds the server from configuration. The database is opened and
// migrated here; nothing starts running until Run.
func New(cfg *config.Config) (*Server, error) {
	database, err := db.Connect(db.Config{
		URL:  cfg.Database.URL,
		Path: cfg.Database.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(database); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	st := store.New(database)
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret)
	devices := auth.NewDeviceService(st, tokens)

	pipeline := stats.NewPipeline(st, geo.New(nil))
	registry := tunnel.NewRegistry(st, tokens, cfg.Server.BaseURL)
	px := proxy.New(st, registry, pipeline)
	proxy.RegisterSessionGauge(registry.CountSessions)

	s := &Server{
		cfg:       cfg,
		store:     st,
		pipeline:  pipeline,
		registry:  registry,
		proxy:     px,
		scheduler: scheduler.New(st, pipeline),
	}

	deviceAuth := api.NewDeviceAuthHandler(devices, cfg.Server.BaseURL)

	publicMux := http.NewServeMux()
	publicMux.HandleFunc("/_agent/ws", registry.HandleWS)
	publicMux.HandleFunc("/_health", api.Health)
	publicMux.HandleFunc("/_auth/device", middleware.PerMinute(5).Wrap(deviceAuth.Create))
	publicMux.HandleFunc("/_auth/device/verify", middleware.PerMinute(10).Wrap(deviceAuth.Verify))
	publicMux.HandleFunc("/_auth/device/poll", middleware.PerMinute(30).Wrap(deviceAuth.Poll))
	publicMux.Handle("/", px)

	apiMux := http.NewServeMux()
	apiMux.Handle("/metrics", promhttp.Handler())
	apiMux.HandleFunc("/_health", api.Health)

	s.public = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           publicMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.api = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.APIPort),
		Handler:           apiMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Run starts the listeners and blocks until the context is cancelled or a
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := s.registry.CleanupStaleTunnels(bootCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to cleanup stale tunnels: %w", err)
	}

	s.pipeline.Start()
	s.scheduler.Start()

	errCh := make(chan error, 2)
	go func() {
		logger.InfoEvent().Str("addr", s.public.Addr).Msg("Public listener started")
		if err := s.public.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("public listener: %w", err)
		}
	}()
	go func() {
		logger.InfoEvent().Str("addr", s.api.Addr).Msg("API listener started")
		if err := s.api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api listener: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		_ = s.shutdown()
		return err
	}
}

// shutdown drains in order: new requests get 503, agent sessions close
// with a normal code, listeners stop, jobs halt, and the stats buffer is
// flushed exactly once.
func (s *Server) shutdown() error {
	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.proxy.Drain()
	s.registry.Shutdown(ctx)

	var firstErr error
	if err := s.public.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.api.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	s.scheduler.Stop()
	s.pipeline.Close()

	if firstErr != nil {
		logger.ErrorEvent().Err(firstErr).Msg("Shutdown finished with errors")
		return firstErr
	}
	logger.Info("Shutdown complete")
	return nil
}
