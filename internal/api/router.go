// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api provides the HTTP API for the orchestrator daemon.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/existential-birds/amelia/internal/eventbus"
	"github.com/existential-birds/amelia/internal/httputil"
	"github.com/existential-birds/amelia/internal/log"
	"github.com/existential-birds/amelia/internal/scheduler"
	"github.com/existential-birds/amelia/internal/store"
	"github.com/existential-birds/amelia/internal/tracing"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version string
	Commit  string
	Auth    AuthConfig
}

// MetricsHandler serves a Prometheus metrics endpoint.
type MetricsHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Router wraps an http.ServeMux with the orchestrator's middleware chain.
type Router struct {
	mux            *http.ServeMux
	config         RouterConfig
	metricsHandler MetricsHandler
	logger         *slog.Logger
}

// SetMetricsHandler sets the Prometheus metrics handler and registers it at
// GET /metrics.
func (r *Router) SetMetricsHandler(handler MetricsHandler) {
	r.metricsHandler = handler
	if handler != nil {
		r.mux.HandleFunc("GET /metrics", handler.ServeHTTP)
	}
}

// NewRouter builds the orchestrator's HTTP router: health/version/config
// endpoints plus the workflow, settings, and profile handler families wired
// against s, backend, and bus.
func NewRouter(cfg RouterConfig, s *scheduler.Scheduler, backend store.Backend, bus *eventbus.Bus) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		logger: log.New(log.FromEnv()),
	}

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.HandleFunc("GET /api/config", r.handleConfig)

	NewWorkflowsHandler(s, backend).RegisterRoutes(r.mux)
	NewSettingsHandler(backend).RegisterRoutes(r.mux)
	NewProfilesHandler(backend).RegisterRoutes(r.mux)

	return r
}

// ServeHTTP implements http.Handler, applying the middleware chain from
// innermost to outermost: trace-context extraction, span creation,
// correlation-ID assignment, then request logging.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mux.ServeHTTP(w, req)
	})

	innerHandler := handler
	handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		correlationID := tracing.FromContextOrEmpty(req.Context())
		logger := log.WithCorrelationID(r.logger, string(correlationID))

		defer func() {
			logger.Info("request completed",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		}()

		innerHandler.ServeHTTP(w, req)
	})

	handler = tracing.CorrelationMiddleware(handler)
	handler = tracing.TracingMiddleware(handler)
	handler = tracing.HTTPMiddleware(handler)
	handler = AuthMiddleware(r.config.Auth)(handler)

	handler.ServeHTTP(w, req)
}

// Mux returns the underlying ServeMux for registering additional routes,
// such as the WebSocket broadcaster.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version": r.config.Version,
		"commit":  r.config.Commit,
	})
}

// handleConfig serves the bootstrap configuration a UI or CLI needs before
// it can talk to anything else: host/port/database_path only, per spec.md
// §6 (the dashboard UI and settings UI themselves are out of scope).
func (r *Router) handleConfig(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, bootstrapConfig)
}

// bootstrapConfig is populated by cmd/ameliad at startup.
var bootstrapConfig = map[string]string{}

// SetBootstrapConfig records the host/port/database_path triple served by
// GET /api/config.
func SetBootstrapConfig(host, port, databasePath string) {
	bootstrapConfig = map[string]string{
		"host":          host,
		"port":          port,
		"database_path": databasePath,
	}
}
