// Package metrics provides Prometheus metrics collection for the
// dispatcher and its streams.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/artpar/levelgate/ports"
)

// Collector holds all Prometheus metrics for levelgate.
type Collector struct {
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	StreamsInFlight *prometheus.GaugeVec
	StreamEvents    *prometheus.CounterVec

	ManifestReloads      prometheus.Counter
	ManifestReloadErrors prometheus.Counter
}

// New creates a collector with all metrics registered on the default
// registerer.
func New() *Collector {
	return &Collector{
		DispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "levelgate",
				Name:      "dispatch_total",
				Help:      "Requests dispatched, by verb, route, and result",
			},
			[]string{"verb", "route", "result"},
		),
		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "levelgate",
				Name:      "dispatch_duration_seconds",
				Help:      "Time from match to response completion",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"verb", "route"},
		),
		StreamsInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "levelgate",
				Name:      "streams_in_flight",
				Help:      "Open range scans and live subscriptions",
			},
			[]string{"kind"},
		),
		StreamEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "levelgate",
				Name:      "stream_events_total",
				Help:      "Elements emitted to stream consumers",
			},
			[]string{"kind"},
		),
		ManifestReloads: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "levelgate",
				Name:      "manifest_reloads_total",
				Help:      "Successful manifest hot reloads",
			},
		),
		ManifestReloadErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "levelgate",
				Name:      "manifest_reload_errors_total",
				Help:      "Manifest hot reloads rejected at load or bind",
			},
		),
	}
}

// ObserveDispatch implements ports.Metrics.
func (c *Collector) ObserveDispatch(verb, route, result string, elapsed time.Duration) {
	c.DispatchTotal.WithLabelValues(verb, route, result).Inc()
	c.DispatchDuration.WithLabelValues(verb, route).Observe(elapsed.Seconds())
}

// StreamOpened implements ports.Metrics.
func (c *Collector) StreamOpened(kind string) {
	c.StreamsInFlight.WithLabelValues(kind).Inc()
}

// StreamClosed implements ports.Metrics.
func (c *Collector) StreamClosed(kind string) {
	c.StreamsInFlight.WithLabelValues(kind).Dec()
}

// StreamEvent implements ports.Metrics.
func (c *Collector) StreamEvent(kind string) {
	c.StreamEvents.WithLabelValues(kind).Inc()
}

// ManifestReload implements ports.Metrics.
func (c *Collector) ManifestReload(ok bool) {
	if ok {
		c.ManifestReloads.Inc()
	} else {
		c.ManifestReloadErrors.Inc()
	}
}

var _ ports.Metrics = (*Collector)(nil)
