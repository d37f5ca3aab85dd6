package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay exit reasons.
const (
	ExitStopped    = "stopped"
	ExitUnexpected = "unexpected"
)

// Session resolution results.
const (
	ResolveOK     = "ok"
	ResolveFailed = "failed"
)

// Realtime event outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeForbidden = "forbidden"
	OutcomeError     = "error"
)

// Metrics holds Prometheus counters and gauges for the restreaming engine.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	relayStartsTotal   prometheus.Counter
	relayExitsTotal    *prometheus.CounterVec
	relayRunning       prometheus.Gauge
	sessionResolutions *prometheus.CounterVec
	realtimeEvents     *prometheus.CounterVec
	realtimeClients    prometheus.Gauge
	catalogChannels    prometheus.Gauge
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "restream_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "restream_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		relayStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "restream_relay_starts_total",
			Help: "Total number of relay processes spawned",
		}),
		relayExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restream_relay_exits_total",
			Help: "Relay process exits by reason",
		}, []string{"reason"}),
		relayRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "restream_relay_running",
			Help: "1 while a relay process is running",
		}),
		sessionResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restream_session_resolutions_total",
			Help: "Session URL negotiations by provider and result",
		}, []string{"provider", "result"}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restream_realtime_events_total",
			Help: "Inbound realtime events by name and outcome",
		}, []string{"event", "outcome"}),
		realtimeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "restream_realtime_clients",
			Help: "Connected realtime clients",
		}),
		catalogChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "restream_catalog_channels",
			Help: "Channels in the catalog",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.relayStartsTotal,
		m.relayExitsTotal,
		m.relayRunning,
		m.sessionResolutions,
		m.realtimeEvents,
		m.realtimeClients,
		m.catalogChannels,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// RelayStarted records a spawned relay.
func (m *Metrics) RelayStarted() {
	m.relayStartsTotal.Inc()
	m.relayRunning.Set(1)
}

// RelayExited records a relay exit with one of the Exit* reasons.
func (m *Metrics) RelayExited(reason string) {
	m.relayExitsTotal.WithLabelValues(reason).Inc()
	m.relayRunning.Set(0)
}

// SessionResolved records a negotiation attempt.
func (m *Metrics) SessionResolved(provider, result string) {
	m.sessionResolutions.WithLabelValues(provider, result).Inc()
}

// RealtimeEvent records a handled inbound event.
func (m *Metrics) RealtimeEvent(event, outcome string) {
	m.realtimeEvents.WithLabelValues(event, outcome).Inc()
}

// SetRealtimeClients sets the connected clients gauge.
func (m *Metrics) SetRealtimeClients(n int) {
	m.realtimeClients.Set(float64(n))
}

// SetCatalogChannels sets the catalog size gauge.
func (m *Metrics) SetCatalogChannels(n int) {
	m.catalogChannels.Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
