// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// DepthFunc reports the number of live jobs.
type DepthFunc func(ctx context.Context) (int64, error)

// RegisterQueueDepth exports extractplane.queue.depth as an observable gauge.
// The callback runs on scrape; a failed count skips the observation.
func RegisterQueueDepth(depth DepthFunc, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.Meter("extractplane/queue")
	_, err := meter.Int64ObservableGauge("extractplane.queue.depth",
		otelmetric.WithDescription("Jobs pending or claimed"),
		otelmetric.WithInt64Callback(func(ctx context.Context, obs otelmetric.Int64Observer) error {
			count, err := depth(ctx)
			if err != nil {
				logger.Warn("failed to count queue depth", "error", err)
				return nil
			}
			obs.Observe(count)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("register queue depth: %w", err)
	}
	return nil
}
