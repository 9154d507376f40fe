package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	payoutMetricsOnce sync.Once
	payoutRegistry    *PayoutMetrics
)

// HTTP returns the lazily-initialised registry recording escrowd API traffic.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "give",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "give",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "give",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records a completed request. The status code should be the one
// written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the route.
func (m *httpMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.throttles.WithLabelValues(route).Inc()
}

// PayoutMetrics wraps collectors tracking the instruction dispatcher.
type PayoutMetrics struct {
	dispatched *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	backlog    prometheus.Gauge
}

// Payout exposes the metrics registry for the payout dispatcher.
func Payout() *PayoutMetrics {
	payoutMetricsOnce.Do(func() {
		payoutRegistry = &PayoutMetrics{
			dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "give",
				Subsystem: "payout",
				Name:      "instructions_total",
				Help:      "Count of wallet deliveries segmented by instruction kind and outcome.",
			}, []string{"kind", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "give",
				Subsystem: "payout",
				Name:      "wallet_latency_seconds",
				Help:      "Latency distribution of wallet calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			backlog: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "give",
				Subsystem: "payout",
				Name:      "pending_instructions",
				Help:      "Pending instructions observed at the start of the last dispatch pass.",
			}),
		}
		prometheus.MustRegister(
			payoutRegistry.dispatched,
			payoutRegistry.latency,
			payoutRegistry.backlog,
		)
	})
	return payoutRegistry
}

// RecordDispatch records the outcome of one wallet delivery.
func (m *PayoutMetrics) RecordDispatch(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(kind, outcome).Inc()
	m.latency.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordBacklog sets the pending instruction gauge.
func (m *PayoutMetrics) RecordBacklog(pending int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(pending))
}
