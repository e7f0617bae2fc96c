package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "warpshare"
	subsystem = "signaling"
)

// Collector exposes the in-process counter registry plus live gauges in
// Prometheus' data model.
//
// Event counters are exported as a single metric with an `event` label so the
// registry stays a plain map; the live session/connection gauges are read on
// scrape from the callbacks supplied at construction.
type Collector struct {
	metrics *Metrics

	liveSessions    func() int
	liveConnections func() int

	eventsDesc      *prometheus.Desc
	sessionsDesc    *prometheus.Desc
	connectionsDesc *prometheus.Desc
}

// NewCollector creates a Collector and registers it against reg. If reg is
// nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer, m *Metrics, liveSessions, liveConnections func() int) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		metrics:         m,
		liveSessions:    liveSessions,
		liveConnections: liveConnections,
		eventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "events_total"),
			"Internal event counters.",
			[]string{"event"}, nil,
		),
		sessionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "live_sessions"),
			"Number of live sessions.",
			nil, nil,
		),
		connectionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "live_connections"),
			"Number of live WebSocket connections.",
			nil, nil,
		),
	}

	reg.MustRegister(c)
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsDesc
	ch <- c.sessionsDesc
	ch <- c.connectionsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.metrics != nil {
		for event, v := range c.metrics.Snapshot() {
			ch <- prometheus.MustNewConstMetric(c.eventsDesc, prometheus.CounterValue, float64(v), event)
		}
	}
	if c.liveSessions != nil {
		ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(c.liveSessions()))
	}
	if c.liveConnections != nil {
		ch <- prometheus.MustNewConstMetric(c.connectionsDesc, prometheus.GaugeValue, float64(c.liveConnections()))
	}
}
