package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	relayMetricsOnce sync.Once
	relayRegistry    *RelayMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// RelayMetrics wraps collectors tracking the dispatch engine.
type RelayMetrics struct {
	submissions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	retries     prometheus.Counter
	quarantines prometheus.Counter
	rounds      prometheus.Counter
	queueDepth  *prometheus.GaugeVec
	poolSize    prometheus.Gauge
	paused      prometheus.Gauge
}

// Relay exposes the lazily registered metrics for the dispatch engine.
func Relay() *RelayMetrics {
	relayMetricsOnce.Do(func() {
		relayRegistry = &RelayMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "relay",
				Name:      "submissions_total",
				Help:      "Ledger submissions segmented by classified outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nhb",
				Subsystem: "relay",
				Name:      "submission_duration_seconds",
				Help:      "Time from submission to terminal chain event.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 6, 12, 24, 60},
			}, []string{"outcome"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "relay",
				Name:      "retries_total",
				Help:      "Transactions rescheduled after a retryable submission failure.",
			}),
			quarantines: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "relay",
				Name:      "quarantines_total",
				Help:      "Identities removed from the account pool.",
			}),
			rounds: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "relay",
				Name:      "rounds_total",
				Help:      "Completed dispatch rounds.",
			}),
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "relay",
				Name:      "queue_depth",
				Help:      "Live queue entries segmented by status.",
			}, []string{"status"}),
			poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "relay",
				Name:      "pool_size",
				Help:      "Identities currently eligible for new work.",
			}),
			paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "relay",
				Name:      "pause_engaged",
				Help:      "Indicates whether dispatch is paused (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			relayRegistry.submissions,
			relayRegistry.latency,
			relayRegistry.retries,
			relayRegistry.quarantines,
			relayRegistry.rounds,
			relayRegistry.queueDepth,
			relayRegistry.poolSize,
			relayRegistry.paused,
		)
	})
	return relayRegistry
}

// RecordSubmission counts a classified submission and its duration.
func (m *RelayMetrics) RecordSubmission(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	label := strings.TrimSpace(outcome)
	if label == "" {
		label = "unknown"
	}
	m.submissions.WithLabelValues(label).Inc()
	m.latency.WithLabelValues(label).Observe(d.Seconds())
}

func (m *RelayMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *RelayMetrics) RecordQuarantine() {
	if m == nil {
		return
	}
	m.quarantines.Inc()
}

func (m *RelayMetrics) RecordRound() {
	if m == nil {
		return
	}
	m.rounds.Inc()
}

// SetQueueDepth replaces the per-status queue gauges.
func (m *RelayMetrics) SetQueueDepth(byStatus map[string]int) {
	if m == nil {
		return
	}
	for _, status := range []string{"pending", "submitted"} {
		m.queueDepth.WithLabelValues(status).Set(float64(byStatus[status]))
	}
}

func (m *RelayMetrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.poolSize.Set(float64(n))
}

// SetPaused toggles the pause gauge.
func (m *RelayMetrics) SetPaused(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

// GatewayMetrics tracks inbound API requests by route.
type GatewayMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	rejected *prometheus.CounterVec
}

// Gateway exposes the lazily registered gateway metrics.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "relay_gateway",
				Name:      "requests_total",
				Help:      "Gateway requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nhb",
				Subsystem: "relay_gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "relay_gateway",
				Name:      "rejected_total",
				Help:      "Submissions refused before enqueue segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(gatewayRegistry.requests, gatewayRegistry.latency, gatewayRegistry.rejected)
	})
	return gatewayRegistry
}

// Observe records one handled request.
func (m *GatewayMetrics) Observe(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, statusLabel(status)).Inc()
	m.latency.WithLabelValues(route).Observe(d.Seconds())
}

// RecordRejection counts a submission refused at the boundary.
func (m *GatewayMetrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
