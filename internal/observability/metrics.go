package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bot. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	ChimesPlayed      prometheus.Counter
	ChimeFailures     *prometheus.CounterVec
	PresenceEvents    *prometheus.CounterVec
	WorkersActive     prometheus.Gauge
	IdleDisconnects   *prometheus.CounterVec
	PlaybackWait      prometheus.Histogram
	StreamConnections prometheus.Gauge

	namespace string
	reg       prometheus.Registerer
	gatherer  prometheus.Gatherer
}

// NewMetrics registers the instruments on reg. A nil reg uses a fresh
// registry, so tests can create as many instances as they like.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		ChimesPlayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chimes_played_total",
			Help:      "Chimes that started playing.",
		}),
		ChimeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chime_failures_total",
			Help:      "Discarded chime events by the stage that failed.",
		}, []string{"stage"}),
		PresenceEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_events_total",
			Help:      "Voice presence transitions by dispatch result.",
		}, []string{"result"}),
		WorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Number of running session workers.",
		}),
		IdleDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_disconnects_total",
			Help:      "Idle session disconnect attempts by result.",
		}, []string{"result"}),
		PlaybackWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "playback_wait_ms",
			Help:      "Time a worker waited for a chime to finish, in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 3000, 5000, 10000, 15000},
		}),
		StreamConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_stream_connections",
			Help:      "Open event stream websocket connections.",
		}),
		namespace: namespace,
		reg:       reg,
		gatherer:  reg,
	}
}

// RegisterBusDrops exposes the running total of events dropped by the bus.
func (m *Metrics) RegisterBusDrops(dropped func() uint64) {
	if m == nil {
		return
	}
	promauto.With(m.reg).NewCounterFunc(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "bus_dropped_events_total",
		Help:      "Presence events dropped because a subscriber fell behind.",
	}, func() float64 { return float64(dropped()) })
}

func (m *Metrics) ChimePlayed() {
	if m == nil {
		return
	}
	m.ChimesPlayed.Inc()
}

func (m *Metrics) ChimeFailed(stage string) {
	if m == nil {
		return
	}
	m.ChimeFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) PresenceEvent(result string) {
	if m == nil {
		return
	}
	m.PresenceEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.WorkersActive.Inc()
}

func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.WorkersActive.Dec()
}

func (m *Metrics) IdleDisconnect(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.IdleDisconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePlaybackWait(d time.Duration) {
	if m == nil {
		return
	}
	m.PlaybackWait.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamConnections.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.StreamConnections.Dec()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
