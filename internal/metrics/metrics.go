// Package metrics exposes pipeline metrics in the Prometheus format through OpenTelemetry.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/k11v/appbuild"

// Init sets up the global meter provider with a Prometheus exporter.
// It returns the handler for /metrics and a shutdown function to call on exit.
func Init() (http.Handler, func(context.Context) error, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), provider.Shutdown, nil
}

// Pipeline records what happens to build jobs.
// A nil *Pipeline records nothing.
type Pipeline struct {
	admitted      metric.Int64Counter
	finished      metric.Int64Counter
	stageDuration metric.Float64Histogram
	retries       metric.Int64Counter
}

// NewPipeline creates the instruments on the global meter provider.
func NewPipeline() (*Pipeline, error) {
	return NewPipelineWithMeter(otel.Meter(meterName))
}

func NewPipelineWithMeter(meter metric.Meter) (*Pipeline, error) {
	admitted, err := meter.Int64Counter(
		"appbuild_jobs_admitted_total",
		metric.WithDescription("Build requests accepted for processing."),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	finished, err := meter.Int64Counter(
		"appbuild_jobs_finished_total",
		metric.WithDescription("Build jobs that reached a terminal state."),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	stageDuration, err := meter.Float64Histogram(
		"appbuild_stage_duration_seconds",
		metric.WithDescription("Time spent in a pipeline stage including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	retries, err := meter.Int64Counter(
		"appbuild_retries_total",
		metric.WithDescription("Retried attempts of outbound calls."),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	return &Pipeline{
		admitted:      admitted,
		finished:      finished,
		stageDuration: stageDuration,
		retries:       retries,
	}, nil
}

func (p *Pipeline) JobAdmitted(ctx context.Context, round int) {
	if p == nil {
		return
	}
	p.admitted.Add(ctx, 1, metric.WithAttributes(attribute.String("round", strconv.Itoa(round))))
}

func (p *Pipeline) JobFinished(ctx context.Context, state string) {
	if p == nil {
		return
	}
	p.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (p *Pipeline) StageFinished(ctx context.Context, stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

func (p *Pipeline) Retried(ctx context.Context, stage string) {
	if p == nil {
		return
	}
	p.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
