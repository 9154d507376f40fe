package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	defaultEndpoint       = "localhost:4318"
	defaultMetricInterval = 15 * time.Second
)

// Config describes how escrowd exports traces and metrics over OTLP/HTTP.
type Config struct {
	ServiceName string
	Environment string
	// LedgerDriver is attached to the resource so traces from the memory,
	// gorm and leveldb backends can be told apart.
	LedgerDriver string
	Endpoint     string
	Insecure     bool
	Headers      map[string]string
	Metrics      bool
	Traces       bool
	// SampleRatio applies to root spans; child spans follow their parent.
	// Values outside (0,1] sample everything.
	SampleRatio    float64
	MetricInterval time.Duration
}

// FromEnv reads the OTEL_EXPORTER_OTLP_* variables plus the sampler argument
// and metric export interval. Nothing is exported without an endpoint.
func FromEnv(service, env, ledgerDriver string) Config {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	cfg := Config{
		ServiceName:    service,
		Environment:    env,
		LedgerDriver:   ledgerDriver,
		Endpoint:       endpoint,
		Insecure:       true,
		Headers:        ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:        endpoint != "",
		Traces:         endpoint != "",
		SampleRatio:    1,
		MetricInterval: defaultMetricInterval,
	}
	if v, ok := lookupBool("OTEL_EXPORTER_OTLP_INSECURE"); ok {
		cfg.Insecure = v
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.SampleRatio = ratio
		}
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); raw != "" {
		// milliseconds, as in the OTel SDK environment conventions
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			cfg.MetricInterval = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg
}

func lookupBool(key string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// Init installs the global tracer and meter providers along with the W3C
// propagators used by the otelhttp middleware. The returned function flushes
// and stops every provider that was started.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("service name required for telemetry")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")

	res, err := buildResource(cfg)
	if err != nil {
		return nil, err
	}

	var shutdowns []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(shutdowns) - 1; i >= 0; i-- {
			errs = append(errs, shutdowns[i](ctx))
		}
		return errors.Join(errs...)
	}

	if cfg.Traces {
		tp, err := newTracerProvider(ctx, cfg, endpoint, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}
	if cfg.Metrics {
		mp, err := newMeterProvider(ctx, cfg, endpoint, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return shutdown, nil
}

func buildResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(cfg.ServiceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	if cfg.LedgerDriver != "" {
		attrs = append(attrs, attribute.String("givechain.ledger.driver", cfg.LedgerDriver))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	return res, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func newTracerProvider(ctx context.Context, cfg Config, endpoint string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
	), nil
}

func newMeterProvider(ctx context.Context, cfg Config, endpoint string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = defaultMetricInterval
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	), nil
}

// ParseHeaders splits an OTLP header list ("k=v,k2=v2"). Malformed pairs are
// skipped.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
