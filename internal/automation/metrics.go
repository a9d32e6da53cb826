package automation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	activeRuns    prometheus.Gauge
	messages      *prometheus.CounterVec
	stepsExecuted *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
	purged        *prometheus.CounterVec
}

// NewMetrics creates the engine collectors and registers them with reg.
// A nil reg returns nil; every method is a no-op on a nil *Metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kifersaude",
			Subsystem: "automation",
			Name:      "runs_started_total",
			Help:      "Flow runs started",
		}, []string{"flow_id"}),

		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kifersaude",
			Subsystem: "automation",
			Name:      "runs_finished_total",
			Help:      "Flow runs finished, by outcome",
		}, []string{"flow_id", "outcome"}),

		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kifersaude",
			Subsystem: "automation",
			Name:      "active_runs",
			Help:      "Flow runs currently in progress",
		}),

		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kifersaude",
			Subsystem: "automation",
			Name:      "messages_total",
			Help:      "Outbound messages handed to the gateway, by type and status",
		}, []string{"type", "status"}),

		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kifersaude",
			Subsystem: "automation",
			Name:      "steps_total",
			Help:      "Flow steps that reached a terminal step state",
		}, []string{"action_type", "result"}),

		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kifersaude",
			Subsystem: "automation",
			Name:      "sweep_leads_total",
			Help:      "Leads examined by the pending-lead sweep, by result",
		}, []string{"result"}),

		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kifersaude",
			Subsystem: "automation",
			Name:      "purged_records_total",
			Help:      "Run records and outbound messages removed by retention",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.activeRuns,
		m.messages,
		m.stepsExecuted,
		m.sweeps,
		m.purged,
	)
	return m
}

func (m *Metrics) runStarted(flowID string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(flowID).Inc()
	m.activeRuns.Inc()
}

func (m *Metrics) runFinished(flowID, outcome string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(flowID, outcome).Inc()
	m.activeRuns.Dec()
}

func (m *Metrics) message(msgType, status string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(msgType, status).Inc()
}

func (m *Metrics) step(actionType, result string) {
	if m == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(actionType, result).Inc()
}

func (m *Metrics) sweep(result string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(result).Inc()
}

func (m *Metrics) purge(runs, messages int64) {
	if m == nil {
		return
	}
	m.purged.WithLabelValues("runs").Add(float64(runs))
	m.purged.WithLabelValues("messages").Add(float64(messages))
}
