package otel

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" authorization=Bearer abc , tenant=give,broken, =empty")
	if len(got) != 2 || got["authorization"] != "Bearer abc" || got["tenant"] != "give" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestFromEnvDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := FromEnv("escrowd", "dev", "memory")
	if cfg.Metrics || cfg.Traces {
		t.Fatalf("exporters enabled without endpoint: %+v", cfg)
	}
	if !cfg.Insecure {
		t.Fatalf("expected insecure default")
	}
}

func TestFromEnvReadsVariables(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-api-key=secret")
	cfg := FromEnv("escrowd", "prod", "postgres")
	if !cfg.Traces || !cfg.Metrics || cfg.Insecure || cfg.Headers["x-api-key"] != "secret" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "escrowd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestFromEnvSamplerAndInterval(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "5000")
	cfg := FromEnv("escrowd", "dev", "leveldb")
	if cfg.SampleRatio != 0.25 || cfg.MetricInterval != 5*time.Second {
		t.Fatalf("unexpected sampling config %+v", cfg)
	}

	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "lots")
	t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "-1")
	cfg = FromEnv("escrowd", "dev", "leveldb")
	if cfg.SampleRatio != 1 || cfg.MetricInterval != defaultMetricInterval {
		t.Fatalf("invalid values should keep defaults, got %+v", cfg)
	}
}

func TestSamplerRatio(t *testing.T) {
	for ratio, want := range map[float64]string{
		0:    "ParentBased{root:AlwaysOnSampler",
		1:    "ParentBased{root:AlwaysOnSampler",
		0.5:  "ParentBased{root:TraceIDRatioBased{0.5}",
		1.25: "ParentBased{root:AlwaysOnSampler",
	} {
		got := sampler(ratio).Description()
		if !strings.HasPrefix(got, want) {
			t.Fatalf("ratio %v: got %q", ratio, got)
		}
	}
}

func TestResourceCarriesLedgerDriver(t *testing.T) {
	res, err := buildResource(Config{ServiceName: "escrowd", Environment: "prod", LedgerDriver: "leveldb"})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	set := res.Set()
	if v, ok := set.Value(attribute.Key("givechain.ledger.driver")); !ok || v.AsString() != "leveldb" {
		t.Fatalf("ledger driver missing from resource: %v", res)
	}
	if v, ok := set.Value(attribute.Key("service.name")); !ok || v.AsString() != "escrowd" {
		t.Fatalf("service name missing from resource: %v", res)
	}
}
