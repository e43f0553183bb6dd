// Package agent wires all subsystems together and runs the application
// lifecycle.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pbfleet/pbfleet-agent/internal/adapter/httpserver"
	"github.com/pbfleet/pbfleet-agent/internal/config"
	"github.com/pbfleet/pbfleet-agent/internal/metrics"
	"github.com/pbfleet/pbfleet-agent/internal/orchestrator"
	"github.com/pbfleet/pbfleet-agent/internal/pm2"
	"github.com/pbfleet/pbfleet-agent/internal/registry"
	"github.com/pbfleet/pbfleet-agent/internal/releases"
	"github.com/pbfleet/pbfleet-agent/internal/switcher"
	"github.com/pbfleet/pbfleet-agent/internal/versions"
)

// Agent is the top-level application that orchestrates all subsystems.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	registry  *registry.Registry
	instances *orchestrator.Service

	httpServer *httpserver.Server
}

// New creates and wires all agent subsystems.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if err := os.MkdirAll(cfg.InstancesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create instances dir: %w", err)
	}

	reg, err := registry.Open(filepath.Join(cfg.DataDir, "registry"))
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	releaseClient := releases.NewClient(cfg.ReleasesURL, cfg.ReleaseCacheTTL, logger)
	artifactCache := versions.NewCache(cfg.DownloadsDir(), releaseClient, logger)
	supervisor := pm2.NewAdapter(cfg.PM2Binary, logger)
	versionSwitcher := switcher.New(reg, supervisor, artifactCache, cfg.InstancesDir, logger)
	m := metrics.New(prometheus.DefaultRegisterer)

	instances := orchestrator.New(
		reg,
		supervisor,
		artifactCache,
		versionSwitcher,
		orchestrator.ExecBootstrapper{},
		m,
		cfg.InstancesDir,
		cfg.StartPort,
		logger,
	)

	api := httpserver.NewAPI(instances, releaseClient, logger)

	return &Agent{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		instances:  instances,
		httpServer: httpserver.NewServer(cfg.HTTPPort, api, cfg.APISecret),
	}, nil
}

// Run executes the agent lifecycle: status-refresh loop and HTTP server. It
// blocks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	go a.instances.RefreshLoop(ctx, a.cfg.RefreshInterval)

	a.logger.Info("agent ready",
		"version", config.Version,
		"instances_dir", a.cfg.InstancesDir,
		"start_port", a.cfg.StartPort,
		"http_port", a.cfg.HTTPPort,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.Run()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown", "err", err)
		}
	case err := <-errCh:
		if err != nil {
			a.closeRegistry()
			return fmt.Errorf("http server: %w", err)
		}
	}

	a.closeRegistry()
	return nil
}

func (a *Agent) closeRegistry() {
	if err := a.registry.Close(); err != nil {
		a.logger.Warn("close registry", "err", err)
	}
}
