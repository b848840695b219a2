package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/yuuki/rdmakv/internal/kv"
	"github.com/yuuki/rdmakv/internal/rdma"
)

const meterName = "github.com/yuuki/rdmakv"

// Metrics contains the instruments for key-value requests
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	// Request latency as Histogram
	latencyHistogram metric.Float64Histogram

	requestCounter metric.Int64Counter

	// Failed work completions by status
	completionErrorCounter metric.Int64Counter
}

// NewMetrics creates a metrics instance exporting to the OTLP collector at
// collectorAddr. The scheme selects the protocol: grpc (default), grpcs,
// http or https.
func NewMetrics(ctx context.Context, instanceID, version, collectorAddr string) (*Metrics, error) {
	scheme, endpoint, err := parseCollectorAddr(collectorAddr)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("rdmakv"),
			semconv.ServiceVersion(version),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
		)
	case "http", "https":
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(endpoint),
		}
		if scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(10*time.Second),
			),
		),
	)
	otel.SetMeterProvider(provider)

	return newMetrics(provider)
}

// parseCollectorAddr splits addr into a lower-case scheme and a host:port
// endpoint. A schemeless host:port defaults to grpc.
func parseCollectorAddr(addr string) (string, string, error) {
	if addr != "" && !strings.Contains(addr, "://") {
		if !strings.Contains(addr, "/") && strings.Contains(addr, ":") {
			return "grpc", addr, nil
		}
		return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", addr)
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse otel-collector-addr '%s': %w", addr, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host", addr)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "grpc", "grpcs", "http", "https":
		return scheme, u.Host, nil
	default:
		return "", "", fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", u.Scheme, addr)
	}
}

func newMetrics(provider *sdkmetric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)

	latencyHistogram, err := meter.Float64Histogram(
		"rdmakv.request.latency",
		metric.WithDescription("Request latency from encode to last completion in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	requestCounter, err := meter.Int64Counter(
		"rdmakv.requests",
		metric.WithDescription("Number of key-value requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	completionErrorCounter, err := meter.Int64Counter(
		"rdmakv.completion_errors",
		metric.WithDescription("Number of failed work completions"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		provider:               provider,
		meter:                  meter,
		latencyHistogram:       latencyHistogram,
		requestCounter:         requestCounter,
		completionErrorCounter: completionErrorCounter,
	}, nil
}

// RecordRequest records one finished request. It implements kv.Recorder.
func (m *Metrics) RecordRequest(ctx context.Context, role string, op kv.OpKind, latency time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("op", op.String()),
		attribute.String("outcome", outcome),
	)
	m.requestCounter.Add(ctx, 1, attrs)
	m.latencyHistogram.Record(ctx, float64(latency.Nanoseconds())/1_000_000.0, attrs)

	var compErr *rdma.CompletionError
	if errors.As(err, &compErr) {
		status := compErr.Status.String()
		if compErr.PollResult < 0 {
			status = "poll failed"
		}
		m.completionErrorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("status", status),
		))
	}
}

// Shutdown flushes and stops the metrics provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

var _ kv.Recorder = (*Metrics)(nil)
