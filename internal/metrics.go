package internal

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the loop's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	oracleRequests *prometheus.CounterVec
	oracleRetries  *prometheus.CounterVec
	oracleDuration *prometheus.HistogramVec
	samplerStates  *prometheus.CounterVec
	cacheEntries   prometheus.Gauge
	rounds         prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		oracleRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gcd_oracle_requests_total",
				Help: "Oracle requests by prompt shape and outcome",
			},
			[]string{"shape", "outcome"},
		),
		oracleRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gcd_oracle_retries_total",
				Help: "Oracle retries after throttling",
			},
			[]string{"shape"},
		),
		oracleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gcd_oracle_duration_seconds",
				Help:    "Oracle request latency including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"shape"},
		),
		samplerStates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gcd_sampler_resolutions_total",
				Help: "Neighbor sampler resolutions by state",
			},
			[]string{"state"},
		),
		cacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gcd_feedback_cache_entries",
				Help: "Entries in the feedback cache",
			},
		),
		rounds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gcd_rounds_total",
				Help: "Completed mining rounds",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.oracleRequests,
			m.oracleRetries,
			m.oracleDuration,
			m.samplerStates,
			m.cacheEntries,
			m.rounds,
		)
	}

	return m
}

func (m *Metrics) oracleRequest(shape string, outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.oracleRequests.WithLabelValues(shape, string(outcome)).Inc()
	m.oracleDuration.WithLabelValues(shape).Observe(seconds)
}

func (m *Metrics) oracleRetry(shape string) {
	if m == nil {
		return
	}
	m.oracleRetries.WithLabelValues(shape).Inc()
}

func (m *Metrics) samplerState(state SamplerState) {
	if m == nil {
		return
	}
	m.samplerStates.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) cacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *Metrics) roundFinished() {
	if m == nil {
		return
	}
	m.rounds.Inc()
}
