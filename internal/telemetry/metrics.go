// Package telemetry exposes pass metrics through OpenTelemetry with a Prometheus exporter.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/book-expert/narration-service"

// Row stages.
const (
	StageAnalysis   = "analysis"
	StageGeneration = "generation"
)

// Row and chunk outcomes.
const (
	OutcomeAdvanced    = "advanced"
	OutcomeFault       = "fault"
	OutcomeMismatch    = "mismatch"
	OutcomeReused      = "reused"
	OutcomeSynthesized = "synthesized"
)

// Metrics records scheduler activity.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler
	rows     metric.Int64Counter
	chunks   metric.Int64Counter
	passes   metric.Int64Counter
	duration metric.Float64Histogram
}

// New builds a meter provider backed by its own Prometheus registry.
func New() (*Metrics, error) {
	registry := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	rows, err := meter.Int64Counter("narration.rows",
		metric.WithDescription("Rows processed by a pass, by stage and outcome."))
	if err != nil {
		return nil, fmt.Errorf("create rows counter: %w", err)
	}

	chunks, err := meter.Int64Counter("narration.chunks",
		metric.WithDescription("Chunks resolved during generation, by outcome."))
	if err != nil {
		return nil, fmt.Errorf("create chunks counter: %w", err)
	}

	passes, err := meter.Int64Counter("narration.passes",
		metric.WithDescription("Scheduler passes, by whether the deadline halted them."))
	if err != nil {
		return nil, fmt.Errorf("create passes counter: %w", err)
	}

	duration, err := meter.Float64Histogram("narration.pass.duration",
		metric.WithDescription("Wall-clock duration of a scheduler pass."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create pass duration histogram: %w", err)
	}

	return &Metrics{
		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		rows:     rows,
		chunks:   chunks,
		passes:   passes,
		duration: duration,
	}, nil
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// RecordRow counts one row outcome.
func (m *Metrics) RecordRow(ctx context.Context, stage, outcome string) {
	m.rows.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}

// RecordChunk counts one chunk outcome.
func (m *Metrics) RecordChunk(ctx context.Context, outcome string) {
	m.chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPass counts a finished pass.
func (m *Metrics) RecordPass(ctx context.Context, halted bool, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("halted", halted))

	m.passes.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	err := m.provider.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}

	return nil
}
