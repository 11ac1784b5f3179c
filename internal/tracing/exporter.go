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

package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/existential-birds/amelia/internal/tracing/export"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// CreateExporter creates a span exporter from configuration. Only a console
// (stdout) exporter is supported: this daemon runs as a single process with
// no remote collector in its deployment scope, so the OTLP grpc/http
// exporters and SQLite span storage the teacher wires are not carried here.
func CreateExporter(_ context.Context, cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Type {
	case "console":
		return export.NewConsoleExporter(export.ConsoleConfig{PrettyPrint: true})
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type %q (only \"console\" and \"none\" are wired)", cfg.Type)
	}
}

// CreateExportersFromConfig creates batch span processors for all configured
// exporters. Exporter creation failures are logged but don't block startup.
func CreateExportersFromConfig(ctx context.Context, cfg Config) ([]sdktrace.SpanProcessor, error) {
	var processors []sdktrace.SpanProcessor

	for i, exporterCfg := range cfg.Exporters {
		exporter, err := CreateExporter(ctx, exporterCfg)
		if err != nil {
			slog.Warn("failed to create exporter, skipping",
				"index", i,
				"type", exporterCfg.Type,
				"error", err)
			continue
		}
		if exporter == nil {
			continue
		}

		batchOpts := []sdktrace.BatchSpanProcessorOption{}
		if cfg.BatchSize > 0 {
			batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(cfg.BatchSize))
		}
		if cfg.BatchInterval > 0 {
			batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchInterval))
		}

		processors = append(processors, sdktrace.NewBatchSpanProcessor(exporter, batchOpts...))
		slog.Info("created exporter", "type", exporterCfg.Type)
	}

	return processors, nil
}
