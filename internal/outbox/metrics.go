package outbox

import "github.com/prometheus/client_golang/prometheus"

// Metrics records outbox publishing activity in Prometheus.
type Metrics struct {
	published *prometheus.CounterVec
	failures  *prometheus.CounterVec
	backlog   prometheus.Gauge
}

// NewMetrics registers outbox collectors on reg. If reg is nil the default
// registerer is used; already-registered collectors are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_outbox_published_total",
		Help: "Outbox events successfully published to the bus",
	}, []string{"event_type"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_outbox_failures_total",
		Help: "Outbox publish attempts that exhausted in-cycle retries",
	}, []string{"event_type"})
	backlog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_outbox_backlog",
		Help: "Unpublished outbox events",
	})

	for _, c := range []prometheus.Collector{published, failures, backlog} {
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch existing := are.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					if c == published {
						published = existing
					} else {
						failures = existing
					}
				case prometheus.Gauge:
					backlog = existing
				}
				continue
			}
			return nil, err
		}
	}

	return &Metrics{published: published, failures: failures, backlog: backlog}, nil
}

func (m *Metrics) recordPublished(eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType).Inc()
}

func (m *Metrics) recordFailure(eventType string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(eventType).Inc()
}

func (m *Metrics) setBacklog(n int64) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(n))
}
