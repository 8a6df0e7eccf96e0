// Package metrics registers the cache's OpenTelemetry counters and exposes
// them in Prometheus text format.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func New() (m Metrics, err error) {
	exporter, err := prometheus.New()
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/nix-community/harmonia-sub001")

	if m.RequestsTotal, err = meter.Int64Counter("requests_total", metric.WithDescription("Total number of HTTP requests served, by endpoint")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create requests_total counter: %w", err)
	}
	if m.NarInfoMissesTotal, err = meter.Int64Counter("narinfo_misses_total", metric.WithDescription("Total number of narinfo requests for unknown hashes")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create narinfo_misses_total counter: %w", err)
	}
	if m.NarBytesStreamedTotal, err = meter.Int64Counter("nar_bytes_streamed_total", metric.WithDescription("Total bytes of NAR archive data streamed to clients")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create nar_bytes_streamed_total counter: %w", err)
	}
	if m.DownloadCounterErrorsTotal, err = meter.Int64Counter("download_counter_errors_total", metric.WithDescription("Total number of download counter persistence errors")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create download_counter_errors_total counter: %w", err)
	}

	return m, nil
}

type Metrics struct {
	RequestsTotal              metric.Int64Counter
	NarInfoMissesTotal         metric.Int64Counter
	NarBytesStreamedTotal      metric.Int64Counter
	DownloadCounterErrorsTotal metric.Int64Counter
}

// Handler serves the Prometheus text exposition of all registered counters.
func Handler() http.Handler {
	return promclient.Handler()
}

func (m Metrics) IncrementRequests(ctx context.Context, endpoint string) {
	if m.RequestsTotal == nil {
		return
	}
	m.RequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

func (m Metrics) IncrementNarInfoMisses(ctx context.Context) {
	if m.NarInfoMissesTotal == nil {
		return
	}
	m.NarInfoMissesTotal.Add(ctx, 1)
}

func (m Metrics) AddNarBytesStreamed(ctx context.Context, bytes int64) {
	if m.NarBytesStreamedTotal == nil {
		return
	}
	m.NarBytesStreamedTotal.Add(ctx, bytes)
}

func (m Metrics) IncrementDownloadCounterErrors(ctx context.Context) {
	if m.DownloadCounterErrorsTotal == nil {
		return
	}
	m.DownloadCounterErrorsTotal.Add(ctx, 1)
}
