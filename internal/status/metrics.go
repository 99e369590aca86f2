package status

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yuriy-kovalchuk/auto-dns/internal/reconciler"
)

const namespace = "auto_dns"

// Cycle results used as the "result" label.
const (
	resultOK            = "ok"
	resultDegraded      = "degraded"
	resultResolveFailed = "resolve_failed"
)

// Metrics exports cycle results as Prometheus metrics.
type Metrics struct {
	cycles      *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	duration    prometheus.Histogram
	lastCycle   prometheus.Gauge
	lastSuccess prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by result.",
		}, []string{"result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_outcomes_total",
			Help:      "Per-record reconciliation outcomes.",
		}, []string{"record", "type", "status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of reconciliation cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time the last cycle finished.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time the last cycle without failures finished.",
		}),
	}
	reg.MustRegister(m.cycles, m.outcomes, m.duration, m.lastCycle, m.lastSuccess)
	return m
}

// Observe records res. It has the signature of a scheduler.Observer.
func (m *Metrics) Observe(res reconciler.CycleResult) {
	result := resultOK
	switch {
	case res.ResolveErr != nil:
		result = resultResolveFailed
	case res.Degraded():
		result = resultDegraded
	}
	m.cycles.WithLabelValues(result).Inc()
	m.duration.Observe(res.Duration().Seconds())
	m.lastCycle.Set(float64(res.Finished.Unix()))
	if result == resultOK {
		m.lastSuccess.Set(float64(res.Finished.Unix()))
	}
	for _, o := range res.Outcomes {
		m.outcomes.WithLabelValues(o.Target.Name, o.Target.Type, string(o.Status)).Inc()
	}
}
