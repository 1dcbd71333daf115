// Package app assembles the HTTP surface: middleware chain, routes, and
// readiness checks.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/openmake/infergate/internal/adapter/httpserver"
	"github.com/openmake/infergate/internal/config"
	"github.com/openmake/infergate/internal/observability"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// The duplex endpoint is mounted outside the timeout middleware: sessions
// are long-lived by design.
func BuildRouter(cfg config.Config, srv *httpserver.Server, duplex http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/ws", duplex)

	// REST endpoints get a deadline; the duplex endpoint above does not.
	r.Group(func(api chi.Router) {
		api.Use(httpserver.TimeoutMiddleware(30 * time.Second))

		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.HTTPRateLimitPerMin, time.Minute))
			wr.Post("/v1/auth/login", srv.LoginHandler())
		})

		api.Group(func(admin chi.Router) {
			if cfg.AdminEnabled() {
				admin.Use(srv.AdminAPIGuard())
			}
			admin.Get("/v1/nodes", srv.NodesListHandler())
			admin.Post("/v1/nodes", srv.NodesAddHandler())
			admin.Delete("/v1/nodes/{id}", srv.NodesRemoveHandler())
			admin.Get("/v1/mcp/servers", srv.MCPServersHandler())
		})

		api.Get("/v1/stats", srv.StatsHandler())

		api.Get("/healthz", srv.HealthzHandler())
		api.Get("/readyz", srv.ReadyzHandler())
		api.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			promhttp.Handler().ServeHTTP(w, r)
		})
	})

	return httpserver.SecurityHeaders(r)
}
