package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the data layer and the API.
type Metrics struct {
	Fetches        *prometheus.CounterVec // labels: feed, outcome={ready,stale,error,offline,discarded}
	FetchDuration  *prometheus.HistogramVec
	EventsApplied  *prometheus.CounterVec // labels: feed, kind={INSERT,UPDATE,DELETE}
	CacheWrites    *prometheus.CounterVec // labels: dataset, outcome={ok,error}
	CollectionSize *prometheus.GaugeVec   // labels: feed
	Writes         *prometheus.CounterVec // labels: op={create,update}, outcome={ok,error}
	Online         prometheus.Gauge
	StreamClients  prometheus.Gauge
}

// NewMetrics creates all collectors and registers them with reg.
// A nil reg leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aqua_alert",
			Name:      "fetches_total",
			Help:      "Remote collection loads by feed and outcome.",
		}, []string{"feed", "outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aqua_alert",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of remote collection queries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"feed"}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aqua_alert",
			Name:      "events_applied_total",
			Help:      "Realtime change events applied to in-memory collections.",
		}, []string{"feed", "kind"}),
		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aqua_alert",
			Name:      "cache_writes_total",
			Help:      "Snapshot write-through attempts by dataset and outcome.",
		}, []string{"dataset", "outcome"}),
		CollectionSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aqua_alert",
			Name:      "collection_size",
			Help:      "Number of records currently held by each feed.",
		}, []string{"feed"}),
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aqua_alert",
			Name:      "alert_writes_total",
			Help:      "Alert create and update requests by outcome.",
		}, []string{"op", "outcome"}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aqua_alert",
			Name:      "online",
			Help:      "1 when the remote source is reachable, 0 otherwise.",
		}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aqua_alert",
			Name:      "stream_clients",
			Help:      "Connected WebSocket change-stream clients.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Fetches,
			m.FetchDuration,
			m.EventsApplied,
			m.CacheWrites,
			m.CollectionSize,
			m.Writes,
			m.Online,
			m.StreamClients,
		)
	}
	return m
}

// ObserveFetch records one load outcome. Safe on a nil receiver.
func (m *Metrics) ObserveFetch(feed, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(feed, outcome).Inc()
	if seconds > 0 {
		m.FetchDuration.WithLabelValues(feed).Observe(seconds)
	}
}

// ObserveEvent records one applied change. Safe on a nil receiver.
func (m *Metrics) ObserveEvent(feed, kind string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(feed, kind).Inc()
}

// ObserveCacheWrite records a snapshot write. Safe on a nil receiver.
func (m *Metrics) ObserveCacheWrite(dataset string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.CacheWrites.WithLabelValues(dataset, outcome).Inc()
}

// SetSize updates the collection size gauge. Safe on a nil receiver.
func (m *Metrics) SetSize(feed string, n int) {
	if m == nil {
		return
	}
	m.CollectionSize.WithLabelValues(feed).Set(float64(n))
}

// ObserveWrite records an alert write. Safe on a nil receiver.
func (m *Metrics) ObserveWrite(op string, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.Writes.WithLabelValues(op, outcome).Inc()
}

// SetOnline updates the connectivity gauge. Safe on a nil receiver.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.Online.Set(1)
	} else {
		m.Online.Set(0)
	}
}
