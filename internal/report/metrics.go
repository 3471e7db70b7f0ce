package report

import (
	"github.com/dtoncu/cloudbase-init-ci/internal/scenario"
	"github.com/prometheus/client_golang/prometheus"
)

// RunMetrics exposes the outcome of a run for the node_exporter textfile
// collector.
type RunMetrics struct {
	stepDuration *prometheus.GaugeVec
	steps        *prometheus.GaugeVec
	runDuration  prometheus.Gauge
}

// NewRunMetrics registers the run collectors on reg.
func NewRunMetrics(reg prometheus.Registerer) *RunMetrics {
	m := &RunMetrics{
		stepDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "argus_step_duration_seconds",
			Help: "Duration of each scenario step.",
		}, []string{"scenario", "step", "outcome"}),
		steps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "argus_steps",
			Help: "Number of scenario steps by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "argus_run_duration_seconds",
			Help: "Wall-clock duration of the run.",
		}),
	}
	reg.MustRegister(m.stepDuration, m.steps, m.runDuration)
	return m
}

// Record sets the collectors from rep.
func (m *RunMetrics) Record(rep *scenario.Report) {
	for _, o := range []scenario.Outcome{scenario.Pass, scenario.Fail, scenario.Error, scenario.Skip} {
		m.steps.WithLabelValues(string(o)).Set(0)
	}
	for _, res := range rep.Results {
		for _, s := range res.Steps {
			m.steps.WithLabelValues(string(s.Outcome)).Inc()
			m.stepDuration.WithLabelValues(res.Scenario, s.Name, string(s.Outcome)).Set(s.Duration.Seconds())
		}
	}
	m.runDuration.Set(rep.Duration.Seconds())
}

// WriteMetrics writes everything registered on g to path in the text format.
func WriteMetrics(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
