// Package api implements the HTTP control plane for kiln.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"

	"github.com/kilnhq/kiln/cmd/api/config"
	"github.com/kilnhq/kiln/lib/assembly"
	"github.com/kilnhq/kiln/lib/middleware"
	"github.com/kilnhq/kiln/lib/registry"
)

// ApiService holds the handler dependencies.
type ApiService struct {
	Config          *config.Config
	Logger          *slog.Logger
	AssemblyManager assembly.Manager
	Registry        *registry.Registry
	HTTPMetrics     func(http.Handler) http.Handler
}

// New creates an ApiService.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	assemblyManager assembly.Manager,
	reg *registry.Registry,
	httpMetrics func(http.Handler) http.Handler,
) *ApiService {
	return &ApiService{
		Config:          cfg,
		Logger:          logger,
		AssemblyManager: assemblyManager,
		Registry:        reg,
		HTTPMetrics:     httpMetrics,
	}
}

// Router builds the HTTP routes.
func (s *ApiService) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(otelchi.Middleware("kiln", otelchi.WithChiRoutes(r)))
	r.Use(middleware.InjectLogger(s.Logger))
	r.Use(middleware.AccessLogger(s.Logger))
	if s.HTTPMetrics != nil {
		r.Use(s.HTTPMetrics)
	} else {
		r.Use(middleware.NoopHTTPMetrics())
	}

	r.Get("/healthz", s.Healthz)

	// Pull endpoint for container runtimes. Registry clients do not send
	// bearer tokens, so it sits outside the JWT gate.
	if s.Registry != nil {
		r.Mount("/v2", s.Registry.Handler())
	}

	r.Group(func(r chi.Router) {
		if s.Config.JwtSecret != "" {
			r.Use(middleware.VerifyJWT(s.Config.JwtSecret))
		}

		r.Route("/assemblies", func(r chi.Router) {
			r.Post("/", s.CreateAssembly)
			r.Get("/", s.ListAssemblies)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.GetAssembly)
				r.Delete("/", s.DeleteAssembly)
				r.Get("/logs", s.GetAssemblyLogs)
				r.Get("/events", s.StreamAssemblyEvents)
				r.Get("/recipe", s.GetAssemblyRecipe)
			})
		})
	})

	return r
}

// Healthz reports process liveness.
func (s *ApiService) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
