// Package metrics exposes Prometheus metrics for the KPI dashboard.
package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NikosSpanos/health-monitoring-app/internal/events"
)

const namespace = "kpiboard"

// Metrics owns a private registry so tests can create as many as they like.
// All methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	eventsReceived *prometheus.CounterVec
	eventsEmitted  *prometheus.CounterVec
	emitErrors     *prometheus.CounterVec
	renders        prometheus.Counter
	devices        prometheus.Gauge
	rejected       prometheus.Counter
	browserClients prometheus.Gauge
	lastRender     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Inbound events by name",
		}, []string{"event"}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Outbound events by name",
		}, []string{"event"}),
		emitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emit_errors_total",
			Help:      "Outbound events that could not be sent",
		}, []string{"event"}),
		renders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renders_total",
			Help:      "Container replacements from kpi_data",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_rendered",
			Help:      "Devices in the last rendered snapshot",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_rejected_total",
			Help:      "kpi_data payloads rejected as malformed",
		}),
		browserClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "browser_clients",
			Help:      "Connected dashboard WebSocket clients",
		}),
		lastRender: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_render_timestamp_seconds",
			Help:      "Unix time of the last successful render",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsReceived,
		m.eventsEmitted,
		m.emitErrors,
		m.renders,
		m.devices,
		m.rejected,
		m.browserClients,
		m.lastRender,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format. A nil
// *Metrics serves 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RenderCompleted(devices int) {
	if m == nil {
		return
	}
	m.renders.Inc()
	m.devices.Set(float64(devices))
	m.lastRender.Set(float64(time.Now().Unix()))
}

func (m *Metrics) PayloadRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Metrics) SetBrowserClients(n int) {
	if m == nil {
		return
	}
	m.browserClients.Set(float64(n))
}

// Instrument wraps src so every handled and emitted event is counted.
func Instrument(src events.Source, m *Metrics) events.Source {
	if m == nil {
		return src
	}
	return &instrumented{src: src, m: m}
}

type instrumented struct {
	src events.Source
	m   *Metrics
}

func (i *instrumented) On(event string, h events.Handler) {
	counter := i.m.eventsReceived.WithLabelValues(event)
	i.src.On(event, func(payload json.RawMessage) {
		counter.Inc()
		h(payload)
	})
}

func (i *instrumented) Emit(event string, payload any) error {
	if err := i.src.Emit(event, payload); err != nil {
		i.m.emitErrors.WithLabelValues(event).Inc()
		return err
	}
	i.m.eventsEmitted.WithLabelValues(event).Inc()
	return nil
}
