package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "exactlyonce"

// Metrics groups the collectors of the concurrency core. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	lockAcquireTotal   *prometheus.CounterVec
	lockWaitSeconds    *prometheus.HistogramVec
	lockDegradedTotal  prometheus.Counter
	lockReleaseTotal   *prometheus.CounterVec
	idGeneratedTotal   *prometheus.CounterVec
	idCollisionsTotal  *prometheus.CounterVec
	casAttemptsTotal   *prometheus.CounterVec
	webhookEventsTotal *prometheus.CounterVec
	poolResetsTotal    prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// binaries and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		lockAcquireTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "acquire_total",
				Help:      "Advisory lock acquisitions by bucket and result.",
			},
			[]string{"bucket", "result"},
		),
		lockWaitSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "wait_seconds",
				Help:      "Time spent waiting for an advisory lock.",
				Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"bucket"},
		),
		lockDegradedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "degraded_total",
				Help:      "Acquisitions served by the process-local fallback instead of the database.",
			},
		),
		lockReleaseTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "release_total",
				Help:      "Advisory lock releases by result.",
			},
			[]string{"result"},
		),
		idGeneratedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "idgen",
				Name:      "generated_total",
				Help:      "Identifiers handed out by entity, strategy and uniqueness verification.",
			},
			[]string{"entity", "strategy", "verified"},
		),
		idCollisionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "idgen",
				Name:      "collisions_total",
				Help:      "Candidate identifiers rejected by the uniqueness registry.",
			},
			[]string{"entity", "strategy"},
		),
		casAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "versionguard",
				Name:      "attempts_total",
				Help:      "Compare-and-swap attempts by entity and result.",
			},
			[]string{"entity", "result"},
		),
		webhookEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "events_total",
				Help:      "Webhook ledger decisions by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		poolResetsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "pool_resets_total",
				Help:      "Connection pools disposed and recreated after connectivity failures.",
			},
		),
	}
}

func bucket(financial bool) string {
	if financial {
		return "financial"
	}
	return "standard"
}

func (m *Metrics) ObserveLockAcquire(financial bool, result string, waited time.Duration) {
	if m == nil {
		return
	}
	b := bucket(financial)
	m.lockAcquireTotal.WithLabelValues(b, result).Inc()
	m.lockWaitSeconds.WithLabelValues(b).Observe(waited.Seconds())
	if result == "fallback" {
		m.lockDegradedTotal.Inc()
	}
}

func (m *Metrics) ObserveLockRelease(result string) {
	if m == nil {
		return
	}
	m.lockReleaseTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveIDGenerated(entity, strategy string, verified bool) {
	if m == nil {
		return
	}
	v := "false"
	if verified {
		v = "true"
	}
	m.idGeneratedTotal.WithLabelValues(entity, strategy, v).Inc()
}

func (m *Metrics) ObserveIDCollision(entity, strategy string) {
	if m == nil {
		return
	}
	m.idCollisionsTotal.WithLabelValues(entity, strategy).Inc()
}

func (m *Metrics) ObserveCAS(entity, result string) {
	if m == nil {
		return
	}
	m.casAttemptsTotal.WithLabelValues(entity, result).Inc()
}

func (m *Metrics) ObserveWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhookEventsTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObservePoolReset() {
	if m == nil {
		return
	}
	m.poolResetsTotal.Inc()
}
