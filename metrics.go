package gatekeeper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the prometheus collectors the engine reports to. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	decisionsTotal   *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	resolveDuration  prometheus.Histogram
	mutationsTotal   *prometheus.CounterVec
	auditDelivered   prometheus.Counter
	auditFailed      prometheus.Counter
	auditDropped     prometheus.Counter
	auditBacklogSize prometheus.Gauge
}

// NewMetrics creates the collectors under namespace and registers them.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "gatekeeper"
	}
	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Authorization decisions by outcome and reason",
		}, []string{"outcome", "reason"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_cache_lookups_total",
			Help:      "Actor permission cache lookups by result",
		}, []string{"result"}),
		resolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Time spent resolving an actor's permissions on a cache miss",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Administration mutations by operation and result",
		}, []string{"op", "result"}),
		auditDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_delivered_total",
			Help:      "Audit records accepted by the sink",
		}),
		auditFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_failed_attempts_total",
			Help:      "Audit delivery attempts that returned an error",
		}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit records dropped after the backlog limit was reached",
		}),
		auditBacklogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_backlog",
			Help:      "Audit records waiting in the overflow backlog",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.decisionsTotal, m.cacheLookups, m.resolveDuration, m.mutationsTotal,
			m.auditDelivered, m.auditFailed, m.auditDropped, m.auditBacklogSize,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) decision(d Decision) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(string(d.Outcome), string(d.Reason)).Inc()
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) resolved(start time.Time) {
	if m == nil {
		return
	}
	m.resolveDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) mutation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mutationsTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) auditOK() {
	if m != nil {
		m.auditDelivered.Inc()
	}
}

func (m *Metrics) auditAttemptFailed() {
	if m != nil {
		m.auditFailed.Inc()
	}
}

func (m *Metrics) auditDrop() {
	if m != nil {
		m.auditDropped.Inc()
	}
}

func (m *Metrics) auditBacklog(n int) {
	if m != nil {
		m.auditBacklogSize.Set(float64(n))
	}
}
