//go:build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/kilnhq/kiln/cmd/api/api"
	"github.com/kilnhq/kiln/lib/providers"
)

// initializeApp is the injector function.
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideContext,
		providers.ProvideConfig,
		providers.ProvidePaths,
		providers.ProvideTelemetry,
		providers.ProvideLogger,
		providers.ProvideAssemblyManager,
		providers.ProvideRegistry,
		providers.ProvideHTTPMetrics,
		api.New,
		wire.Struct(new(application), "*"),
	))
}
