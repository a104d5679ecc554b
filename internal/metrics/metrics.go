package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var sweepBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// Metrics holds the governance collectors. A nil *Metrics is a valid no-op
// receiver so tests and wiring can skip instrumentation.
type Metrics struct {
	verdicts      *prometheus.CounterVec
	quotaConsumed prometheus.Counter
	quotaReleased prometheus.Counter
	sessions      *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	vaultSessions prometheus.Gauge
}

// New builds and registers the governance collectors. Registration tolerates
// duplicates so repeated construction in tests reuses existing collectors.
func New() *Metrics {
	m := &Metrics{
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "governance_verdicts_total",
			Help:      "Count of policy engine verdicts by decision",
		}, []string{"decision"}),
		quotaConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "quota_consumed_total",
			Help:      "Total quota units consumed",
		}),
		quotaReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "quota_released_total",
			Help:      "Total quota units released",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "sessions_total",
			Help:      "Deployment session transitions by resulting status",
		}, []string{"status"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "sweep_duration_seconds",
			Help:      "Latency distribution of background sweeps",
			Buckets:   sweepBuckets,
		}, []string{"sweep"}),
		vaultSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "vault_sessions",
			Help:      "Number of live ephemeral vault sessions",
		}),
	}

	m.verdicts = registerCounterVec(m.verdicts)
	m.quotaConsumed = registerCounter(m.quotaConsumed)
	m.quotaReleased = registerCounter(m.quotaReleased)
	m.sessions = registerCounterVec(m.sessions)
	m.sweepDuration = registerHistogramVec(m.sweepDuration)
	m.vaultSessions = registerGauge(m.vaultSessions)
	return m
}

// Verdict counts a policy engine decision.
func (m *Metrics) Verdict(decision string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(decision).Inc()
}

// QuotaConsumed adds consumed units.
func (m *Metrics) QuotaConsumed(amount int) {
	if m == nil {
		return
	}
	m.quotaConsumed.Add(float64(amount))
}

// QuotaReleased adds released units.
func (m *Metrics) QuotaReleased(amount int) {
	if m == nil {
		return
	}
	m.quotaReleased.Add(float64(amount))
}

// SessionStatus counts a session transition outcome.
func (m *Metrics) SessionStatus(status string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(status).Inc()
}

// ObserveSweep records the duration of one background sweep iteration.
func (m *Metrics) ObserveSweep(sweep string, seconds float64) {
	if m == nil {
		return
	}
	m.sweepDuration.WithLabelValues(sweep).Observe(seconds)
}

// SetVaultSessions tracks the live vault session count.
func (m *Metrics) SetVaultSessions(n int) {
	if m == nil {
		return
	}
	m.vaultSessions.Set(float64(n))
}

func registerCounterVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return c
}

func registerCounter(c prometheus.Counter) prometheus.Counter {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}

func registerHistogramVec(h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	return h
}

func registerGauge(g prometheus.Gauge) prometheus.Gauge {
	if err := prometheus.Register(g); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(prometheus.Gauge)
		}
	}
	return g
}
