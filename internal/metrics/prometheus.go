package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promMetrics holds the Prometheus instruments on a dedicated registry so
// tests can run several monitors without collisions.
type promMetrics struct {
	registry *prometheus.Registry

	eventsTotal    *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
	throughput     *prometheus.GaugeVec
	latencySeconds *prometheus.HistogramVec
}

func newPromMetrics() *promMetrics {
	p := &promMetrics{
		registry: prometheus.NewRegistry(),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickflow",
			Name:      "events_total",
			Help:      "Decoded events processed per collector.",
		}, []string{"collector"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickflow",
			Name:      "errors_total",
			Help:      "Processing and connection errors per collector.",
		}, []string{"collector"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickflow",
			Name:      "dropped_events_total",
			Help:      "Events shed under backpressure per collector.",
		}, []string{"collector"}),
		throughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tickflow",
			Name:      "throughput_events_per_second",
			Help:      "Event throughput over the last aggregation window.",
		}, []string{"collector"}),
		latencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tickflow",
			Name:      "event_latency_seconds",
			Help:      "Ingest-to-dispatch latency per event.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"collector"}),
	}

	p.registry.MustRegister(
		p.eventsTotal,
		p.errorsTotal,
		p.droppedTotal,
		p.throughput,
		p.latencySeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Handler serves the monitor's registry in the Prometheus text format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.prom.registry, promhttp.HandlerOpts{})
}
