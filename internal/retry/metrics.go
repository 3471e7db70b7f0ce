package retry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts executor attempts and outcomes. A nil *Metrics records nothing.
type Metrics struct {
	attempts          *prometheus.CounterVec
	exhaustions       *prometheus.CounterVec
	conditionPolls    *prometheus.CounterVec
	conditionTimeouts prometheus.Counter
}

// NewMetrics creates the executor counters and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "argus",
				Subsystem: "executor",
				Name:      "attempts_total",
				Help:      "Command dispatch attempts by command type and outcome",
			},
			[]string{"command_type", "outcome"},
		),
		exhaustions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "argus",
				Subsystem: "executor",
				Name:      "retries_exhausted_total",
				Help:      "Operations that failed on every attempt, by command type",
			},
			[]string{"command_type"},
		),
		conditionPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "argus",
				Subsystem: "executor",
				Name:      "condition_evaluations_total",
				Help:      "Predicate evaluations by result",
			},
			[]string{"result"},
		),
		conditionTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "argus",
				Subsystem: "executor",
				Name:      "condition_timeouts_total",
				Help:      "Polls whose predicate never held",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.exhaustions, m.conditionPolls, m.conditionTimeouts)
	}
	return m
}

func (m *Metrics) attempt(kind string, ok bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.attempts.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) exhausted(kind string) {
	if m == nil {
		return
	}
	m.exhaustions.WithLabelValues(kind).Inc()
}

func (m *Metrics) condition(met bool) {
	if m == nil {
		return
	}
	result := "unmet"
	if met {
		result = "met"
	}
	m.conditionPolls.WithLabelValues(result).Inc()
}

func (m *Metrics) conditionTimeout() {
	if m == nil {
		return
	}
	m.conditionTimeouts.Inc()
}
