package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's instrumentation. Each engine owns its own
// registry so tests can run engines side by side without collisions.
type Metrics struct {
	Registry *prometheus.Registry

	PollsTotal        *prometheus.CounterVec
	PollDuration      *prometheus.HistogramVec
	ObservationsTotal *prometheus.CounterVec
	BusDropped        *prometheus.CounterVec
	WriterBuffered    prometheus.Gauge
	WriterDropped     prometheus.Counter
}

func newMetrics() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.PollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldpoll",
		Name:      "polls_total",
		Help:      "Poll cycles per device by result.",
	}, []string{"device", "result"})

	m.PollDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fieldpoll",
		Name:      "poll_duration_seconds",
		Help:      "Wall time of a full poll cycle per device.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"device"})

	m.ObservationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldpoll",
		Name:      "observations_total",
		Help:      "Observations produced per device by quality.",
	}, []string{"device", "quality"})

	m.BusDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldpoll",
		Name:      "bus_dropped_total",
		Help:      "Values dropped from full subscriber queues per stream.",
	}, []string{"stream"})

	m.WriterBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fieldpoll",
		Name:      "writer_buffered_points",
		Help:      "Points currently buffered for the TSDB writer.",
	})

	m.WriterDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldpoll",
		Name:      "writer_dropped_points_total",
		Help:      "Points dropped because the writer buffer was full.",
	})

	m.Registry.MustRegister(
		m.PollsTotal, m.PollDuration, m.ObservationsTotal,
		m.BusDropped, m.WriterBuffered, m.WriterDropped,
	)
	return m
}
