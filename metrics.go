package detrack

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestsBlocked   prometheus.Counter
	requestDuration   *prometheus.HistogramVec
	activeTunnels     prometheus.Gauge
	tunnelErrors      prometheus.Counter
	upstreamErrors    *prometheus.CounterVec
	bandwidthSaved    prometheus.Counter
	trackerDetections prometheus.Counter
	suggestionsQueued prometheus.Gauge
	blocklistSize     prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detrack",
			Name:      "requests_total",
			Help:      "Total number of requests processed.",
		}, []string{"method", "outcome"}),

		requestsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "detrack",
			Name:      "requests_blocked_total",
			Help:      "Total number of requests blocked by the blocklist.",
		}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "detrack",
			Name:      "request_duration_seconds",
			Help:      "Plain HTTP request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "detrack",
			Name:      "active_tunnels",
			Help:      "Number of active CONNECT tunnels.",
		}),

		tunnelErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "detrack",
			Name:      "tunnel_errors_total",
			Help:      "Number of CONNECT tunnel dial or relay failures.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detrack",
			Name:      "upstream_errors_total",
			Help:      "Number of upstream connection errors.",
		}, []string{"host"}),

		bandwidthSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "detrack",
			Name:      "bandwidth_saved_bytes_total",
			Help:      "Estimated bytes not transferred because requests were blocked.",
		}),

		trackerDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "detrack",
			Name:      "tracker_detections_total",
			Help:      "Number of heuristic tracker detections.",
		}),

		suggestionsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "detrack",
			Name:      "suggestions_pending",
			Help:      "Number of classifier suggestions awaiting review.",
		}),

		blocklistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "detrack",
			Name:      "blocklist_domains",
			Help:      "Number of domains in the blocklist.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestsBlocked,
		m.requestDuration,
		m.activeTunnels,
		m.tunnelErrors,
		m.upstreamErrors,
		m.bandwidthSaved,
		m.trackerDetections,
		m.suggestionsQueued,
		m.blocklistSize,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a processed request with its outcome
// ("allowed", "blocked", "tunneled", "disabled").
func (m *Metrics) RecordRequest(method, outcome string) {
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
}

// RecordBlocked records a blocklist hit.
func (m *Metrics) RecordBlocked() {
	m.requestsBlocked.Inc()
}

// RecordRequestDuration records the duration of a forwarded HTTP request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveTunnels increments the active tunnel gauge.
func (m *Metrics) IncActiveTunnels() {
	m.activeTunnels.Inc()
}

// DecActiveTunnels decrements the active tunnel gauge.
func (m *Metrics) DecActiveTunnels() {
	m.activeTunnels.Dec()
}

// RecordTunnelError records a tunnel dial or relay failure.
func (m *Metrics) RecordTunnelError() {
	m.tunnelErrors.Inc()
}

// RecordUpstreamError records an upstream connection error.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordBandwidthSaved adds to the bandwidth-saved counter.
func (m *Metrics) RecordBandwidthSaved(bytes uint64) {
	m.bandwidthSaved.Add(float64(bytes))
}

// RecordTrackerDetection records a positive heuristic verdict.
func (m *Metrics) RecordTrackerDetection() {
	m.trackerDetections.Inc()
}

// SetSuggestionsPending sets the pending suggestion gauge.
func (m *Metrics) SetSuggestionsPending(n int) {
	m.suggestionsQueued.Set(float64(n))
}

// SetBlocklistSize sets the blocklist size gauge.
func (m *Metrics) SetBlocklistSize(n int) {
	m.blocklistSize.Set(float64(n))
}
