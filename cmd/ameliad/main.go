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

// Command ameliad runs the orchestrator daemon: the Durable Store, Event
// Bus, Scheduler, HTTP API, and WebSocket broadcaster, bound to a single
// listen address.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/existential-birds/amelia/internal/app"
	"github.com/existential-birds/amelia/internal/log"
)

var (
	version = "dev"
	commit  = "unknown"
)

// fileConfig is the shape of the optional YAML config file: CLI flags and
// AMELIA_* environment variables take precedence over it, in that order.
type fileConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	DatabasePath string `yaml:"database_path"`
	AuthSecret   string `yaml:"auth_secret"`
}

func main() {
	var (
		configPath   = pflag.String("config", "", "path to a YAML config file")
		host         = pflag.String("host", "127.0.0.1", "address to listen on")
		port         = pflag.Int("port", 8745, "port to listen on")
		databasePath = pflag.String("database-path", "", "path to the SQLite database file (empty uses an in-memory store)")
		showVersion  = pflag.Bool("version", false, "print version information and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Printf("ameliad %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg := app.Config{Host: *host, Port: *port, DatabasePath: *databasePath, Version: version, Commit: commit}

	if *configPath != "" {
		if err := applyFileConfig(&cfg, *configPath); err != nil {
			logger.Error("failed to load config file", log.Error(err))
			os.Exit(1)
		}
	}
	applyEnvOverrides(&cfg)

	a, err := app.New(cfg)
	if err != nil {
		logger.Error("failed to build app", log.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Start(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
		if err := <-errCh; err != nil {
			logger.Error("error during shutdown", log.Error(err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("ameliad exited with error", log.Error(err))
			os.Exit(1)
		}
	}
}

// applyFileConfig layers a YAML config file's values under whatever flags
// already set (flags win: pflag.Changed reports an explicit override).
func applyFileConfig(cfg *app.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	if !pflag.CommandLine.Changed("host") && fc.Host != "" {
		cfg.Host = fc.Host
	}
	if !pflag.CommandLine.Changed("port") && fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if !pflag.CommandLine.Changed("database-path") && fc.DatabasePath != "" {
		cfg.DatabasePath = fc.DatabasePath
	}
	if fc.AuthSecret != "" {
		cfg.AuthSecret = fc.AuthSecret
	}
	return nil
}

// applyEnvOverrides lets AMELIA_* environment variables win over both
// flags and the config file, matching the teacher's env-beats-file
// precedence for daemon bootstrap settings.
func applyEnvOverrides(cfg *app.Config) {
	if v := os.Getenv("AMELIA_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("AMELIA_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("AMELIA_AUTH_SECRET"); v != "" {
		cfg.AuthSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("AMELIA_PORT")); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			cfg.Port = port
		}
	}
}
