// Package providers holds the wire provider functions shared by the kiln
// binaries.
package providers

import (
	"context"
	"fmt"
	"net/http"

	"log/slog"

	"github.com/kilnhq/kiln/cmd/api/config"
	"github.com/kilnhq/kiln/lib/assembly"
	"github.com/kilnhq/kiln/lib/logger"
	"github.com/kilnhq/kiln/lib/middleware"
	"github.com/kilnhq/kiln/lib/otel"
	"github.com/kilnhq/kiln/lib/paths"
	"github.com/kilnhq/kiln/lib/registry"
)

// ProvideContext provides the base context.
func ProvideContext() context.Context {
	return context.Background()
}

// ProvideConfig provides the application configuration.
func ProvideConfig() *config.Config {
	return config.Load()
}

// ProvidePaths provides the data-dir layout.
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.DataDir)
}

// ProvideTelemetry initializes the OTel pipelines.
func ProvideTelemetry(ctx context.Context, cfg *config.Config) (*otel.Provider, func(), error) {
	p, err := otel.Setup(ctx, "kiln", cfg.OtelEnabled)
	if err != nil {
		return nil, nil, fmt.Errorf("setup telemetry: %w", err)
	}
	cleanup := func() {
		_ = p.Shutdown(context.Background())
	}
	return p, cleanup, nil
}

// ProvideLogger provides the process logger, bridged into OTel when
// telemetry is enabled.
func ProvideLogger(telemetry *otel.Provider) *slog.Logger {
	return logger.NewSubsystemLogger(logger.SubsystemAPI, logger.NewConfig(), telemetry.LogHandler)
}

// ProvideAssemblyManager provides the assembly manager. The server owns
// the data dir, so interrupted records from a previous run are failed
// here at startup.
func ProvideAssemblyManager(ctx context.Context, p *paths.Paths, cfg *config.Config, log *slog.Logger, telemetry *otel.Provider) (assembly.Manager, error) {
	mgr, err := assembly.NewManager(p, cfg.AssemblyConfig(), log.With("subsystem", logger.SubsystemAssembly), telemetry.Meter)
	if err != nil {
		return nil, err
	}
	if err := mgr.RecoverInterrupted(ctx); err != nil {
		return nil, err
	}
	return mgr, nil
}

// ProvideRegistry provides the read-only distribution endpoint.
func ProvideRegistry(p *paths.Paths, mgr assembly.Manager, telemetry *otel.Provider) (*registry.Registry, error) {
	var metrics *otel.RegistryMetrics
	if telemetry.Enabled {
		m, err := otel.NewRegistryMetrics(telemetry.Meter)
		if err != nil {
			return nil, err
		}
		metrics = m
	}
	return registry.New(p, mgr, metrics), nil
}

// ProvideHTTPMetrics provides the HTTP metrics middleware, or a noop when
// telemetry is disabled.
func ProvideHTTPMetrics(telemetry *otel.Provider) (func(http.Handler) http.Handler, error) {
	if !telemetry.Enabled {
		return middleware.NoopHTTPMetrics(), nil
	}
	m, err := middleware.NewHTTPMetrics(telemetry.Meter)
	if err != nil {
		return nil, err
	}
	return m.Middleware, nil
}
