package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilnhq/kiln/cmd/api/api"
	"github.com/kilnhq/kiln/cmd/api/config"
	"github.com/kilnhq/kiln/lib/assembly"
	"github.com/kilnhq/kiln/lib/otel"
	"github.com/kilnhq/kiln/lib/registry"
)

// application holds the initialized components.
type application struct {
	Ctx             context.Context
	Logger          *slog.Logger
	Config          *config.Config
	Telemetry       *otel.Provider
	AssemblyManager assembly.Manager
	Registry        *registry.Registry
	ApiService      *api.ApiService
}

func main() {
	app, cleanup, err := initializeApp()
	if err != nil {
		slog.Error("initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              ":" + app.Config.Port,
		Handler:           app.ApiService.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("kiln api listening", "addr", srv.Addr, "data_dir", app.Config.DataDir)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-stop:
		app.Logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Error("shutdown", "error", err)
		}
	}
}
