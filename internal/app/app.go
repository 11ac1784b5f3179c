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

// Package app wires the orchestrator's components (store, event bus,
// scheduler, HTTP API, WebSocket broadcaster) into a single runnable
// service, the way internal/controller.Controller does for the teacher's
// daemon.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/existential-birds/amelia/internal/api"
	"github.com/existential-birds/amelia/internal/driver"
	"github.com/existential-birds/amelia/internal/driver/cliagent"
	"github.com/existential-birds/amelia/internal/driver/httpagent"
	"github.com/existential-birds/amelia/internal/eventbus"
	internallog "github.com/existential-birds/amelia/internal/log"
	"github.com/existential-birds/amelia/internal/scheduler"
	"github.com/existential-birds/amelia/internal/store"
	"github.com/existential-birds/amelia/internal/store/memory"
	"github.com/existential-birds/amelia/internal/store/sqlite"
	"github.com/existential-birds/amelia/internal/tracing"
	"github.com/existential-birds/amelia/internal/wsbroadcast"
	"github.com/existential-birds/amelia/pkg/tools"
	"github.com/existential-birds/amelia/pkg/tools/builtin"
)

// Config holds the bootstrap configuration an App is built from: the
// host/port/database_path triple spec.md §6 says GET /api/config serves,
// plus build metadata and the optional auth secret.
type Config struct {
	Host         string
	Port         int
	DatabasePath string // empty selects an in-memory store, for tests and ephemeral runs
	Version      string
	Commit       string
	AuthSecret   string
}

// App is the orchestrator's top-level aggregate: no package-level mutable
// state, everything reachable only through an App value, per SPEC_FULL.md
// §9's design note (a deliberate break from the teacher's Controller,
// which is otherwise this struct's model).
type App struct {
	cfg       Config
	logger    *slog.Logger
	backend   store.Backend
	bus       *eventbus.Bus
	scheduler *scheduler.Scheduler
	router    *api.Router
	broadcast *wsbroadcast.Broadcaster
	otel      *tracing.OTelProvider
	server    *http.Server
	ln        net.Listener
}

// New builds an App from cfg. It opens (or creates) the database, wires
// the scheduler's driver and tool-registry factories, and constructs the
// HTTP router and WebSocket broadcaster, but does not start listening —
// call Start for that.
func New(cfg Config) (*App, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "app")

	var backend store.Backend
	if cfg.DatabasePath == "" {
		backend = memory.New()
	} else {
		sqliteBackend, err := sqlite.Open(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("opening database at %s: %w", cfg.DatabasePath, err)
		}
		backend = sqliteBackend
	}

	bus := eventbus.New(backend.Events())

	otelProvider, err := tracing.NewOTelProvider("amelia", cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("building observability provider: %w", err)
	}
	metrics := otelProvider.MetricsCollector()
	metrics.SetSubscriberCounter(bus)

	sched := scheduler.New(backend, bus, driverFactory, toolRegistryFactory, scheduler.WithMetrics(metrics))
	metrics.SetRunCounter(sched)

	router := api.NewRouter(api.RouterConfig{
		Version: cfg.Version,
		Commit:  cfg.Commit,
		Auth:    api.AuthConfig{Secret: []byte(cfg.AuthSecret), Issuer: "amelia"},
	}, sched, backend, bus)
	api.SetBootstrapConfig(cfg.Host, fmt.Sprintf("%d", cfg.Port), cfg.DatabasePath)
	router.SetMetricsHandler(otelProvider.MetricsHandler())

	broadcaster := wsbroadcast.New(bus)
	router.Mux().Handle("GET /ws/events", broadcaster)

	return &App{
		cfg:       cfg,
		logger:    logger,
		backend:   backend,
		bus:       bus,
		scheduler: sched,
		router:    router,
		broadcast: broadcaster,
		otel:      otelProvider,
	}, nil
}

// driverFactory builds a driver.Driver for a profile based on its
// DriverKind, the two kinds spec.md defines: a subprocess-wrapping CLI
// driver and an HTTP-API driver.
func driverFactory(p store.Profile) (driver.Driver, error) {
	switch p.DriverKind {
	case "cliagent":
		return cliagent.New(), nil
	case "httpagent":
		if p.Endpoint == "" {
			return nil, fmt.Errorf("profile %s: httpagent driver requires an endpoint", p.ID)
		}
		return httpagent.New(p.Endpoint, p.APIKey), nil
	default:
		return nil, fmt.Errorf("profile %s: unknown driver kind %q", p.ID, p.DriverKind)
	}
}

// toolRegistryFactory builds the Developer/Reviewer tool registry scoped to
// a single workflow's worktree: file read/write and shell execution, both
// confined to worktreePath so agentic tool calls cannot escape the
// checked-out tree.
func toolRegistryFactory(worktreePath string) *tools.Registry {
	registry := tools.NewRegistry()

	fileTool := builtin.NewFileTool().WithAllowedPaths([]string{worktreePath})
	shellTool := builtin.NewShellTool().WithWorkingDir(worktreePath)

	// Registration only fails on a duplicate tool name, which a fresh
	// registry never has.
	_ = registry.Register(fileTool)
	_ = registry.Register(shellTool)

	return registry
}

// Start binds the configured address and serves until ctx is cancelled,
// then gracefully shuts the HTTP server down.
func (a *App) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	a.ln = ln

	a.server = &http.Server{
		Handler:      a.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := a.scheduler.Restart(ctx); err != nil {
		a.logger.Warn("failed to reconcile interrupted workflows", internallog.Error(err))
	}

	a.logger.Info("amelia starting", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return a.shutdown()
	case err := <-errCh:
		return err
	}
}

func (a *App) shutdown() error {
	a.scheduler.StartDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP server shutdown error", internallog.Error(err))
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler stop timed out", internallog.Error(err))
	}

	if err := a.backend.Close(); err != nil {
		a.logger.Error("failed to close backend", internallog.Error(err))
	}
	if err := a.otel.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("observability provider shutdown error", internallog.Error(err))
	}
	a.logger.Info("amelia stopped")
	return nil
}
