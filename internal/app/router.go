// Package app assembles the gateway: route table, middleware order, readiness
// probes, and the composition helpers main uses to wire adapters together.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/jimeng-gateway/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
// limiter may be nil; session limiting then falls back to the per-IP bucket
// alone.
func BuildRouter(cfg config.Config, srv *httpserver.Server, limiter httpserver.RateAllower) http.Handler {
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
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Unauthenticated surface: health, metrics, model discovery.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/ping", srv.PingHandler())
	r.Get("/v1/models", srv.ModelsHandler())
	r.Get("/openapi.yaml", srv.OpenAPIServe())

	// Read-only task and usage endpoints answer from memory, so the request
	// timeout applies.
	r.Group(func(gr chi.Router) {
		gr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		gr.Use(httpserver.RequireCredential())
		gr.Get("/v1/async/tasks", srv.TaskListHandler())
		gr.Get("/v1/async/stats", srv.TaskStatsHandler())
		gr.Get("/v1/async/tasks/{id}/status", srv.TaskStatusHandler())
		gr.Get("/v1/async/tasks/{id}/result", srv.TaskResultHandler())
		gr.Get("/v1/usage/quota", srv.UsageQuotaHandler())
		gr.Get("/v1/usage/stats/daily", srv.UsageDailyHandler())
		gr.Get("/v1/usage/stats/range", srv.UsageRangeHandler())
		gr.Get("/v1/usage/history", srv.UsageHistoryHandler())
	})

	// Mutating endpoints: rate-limited, and deliberately outside the timeout
	// middleware. Sync generations hold the connection for the whole upstream
	// run; the per-task wall timeouts bound them instead.
	r.Group(func(wr chi.Router) {
		if cfg.RateLimitPerMin > 0 {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		}
		wr.Use(httpserver.RequireCredential())
		if limiter != nil {
			wr.Use(httpserver.SessionRateLimit(limiter))
		}
		wr.Post("/v1/images/generations", srv.ImageGenerationHandler())
		wr.Post("/v1/images/compositions", srv.ImageCompositionHandler())
		wr.Post("/v1/videos/generations", srv.VideoGenerationHandler())
		wr.Post("/v1/chat/completions", srv.ChatCompletionsHandler())
		wr.Post("/v1/async/images/generations", srv.AsyncImageGenerationHandler())
		wr.Post("/v1/async/images/compositions", srv.AsyncImageCompositionHandler())
		wr.Post("/v1/async/videos/generations", srv.AsyncVideoGenerationHandler())
		wr.Post("/v1/async/batch/submit", srv.BatchSubmitHandler())
		wr.Delete("/v1/async/batch/cancel", srv.BatchCancelHandler())
		wr.Delete("/v1/async/tasks/{id}/cancel", srv.TaskCancelHandler())
		wr.Delete("/v1/async/tasks/{id}", srv.TaskDeleteHandler())
	})

	return httpserver.SecurityHeaders(r)
}
