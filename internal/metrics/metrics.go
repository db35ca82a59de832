// Package metrics exposes engine counters and histograms for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runsActive   prometheus.Gauge

	stepsFinished *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec

	approvalsPending  prometheus.Gauge
	approvalDecisions *prometheus.CounterVec

	circuitState *prometheus.GaugeVec
	triggerFires *prometheus.CounterVec
	slotsBusy    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conveyor_runs_started_total",
				Help: "Runs started, by pipeline",
			},
			[]string{"pipeline"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conveyor_runs_finished_total",
				Help: "Runs reaching a terminal status, by pipeline and status",
			},
			[]string{"pipeline", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conveyor_run_duration_seconds",
				Help:    "Wall time from run start to terminal status",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 1800, 3600},
			},
			[]string{"pipeline", "status"},
		),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_runs_active",
			Help: "Runs currently running or paused",
		}),
		stepsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conveyor_steps_finished_total",
				Help: "Steps reaching a terminal status, by step type and status",
			},
			[]string{"type", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conveyor_step_duration_seconds",
				Help:    "Step execution time including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conveyor_step_retries_total",
				Help: "Retry attempts scheduled, by step type",
			},
			[]string{"type"},
		),
		approvalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_approvals_pending",
			Help: "Approval steps waiting for decisions",
		}),
		approvalDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conveyor_approval_decisions_total",
				Help: "Approval decisions received, by decision",
			},
			[]string{"decision"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conveyor_circuit_breaker_state",
				Help: "Circuit state per target (0 closed, 1 open, 2 half-open)",
			},
			[]string{"target"},
		),
		triggerFires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conveyor_trigger_fires_total",
				Help: "Trigger fires, by trigger type and result",
			},
			[]string{"type", "result"},
		),
		slotsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_executor_slots_busy",
			Help: "Executor pool slots currently held by step attempts",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.runsStarted, m.runsFinished, m.runDuration, m.runsActive,
		m.stepsFinished, m.stepDuration, m.stepRetries,
		m.approvalsPending, m.approvalDecisions,
		m.circuitState, m.triggerFires, m.slotsBusy,
	)
	return m
}

// RunStarted counts a run entering running.
func (m *Metrics) RunStarted(pipeline string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(pipeline).Inc()
	m.runsActive.Inc()
}

// RunFinished counts a run reaching a terminal status.
func (m *Metrics) RunFinished(pipeline, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(pipeline, status).Inc()
	m.runDuration.WithLabelValues(pipeline, status).Observe(d.Seconds())
	m.runsActive.Dec()
}

// StepFinished counts a step reaching a terminal status.
func (m *Metrics) StepFinished(stepType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepsFinished.WithLabelValues(stepType, status).Inc()
	if d > 0 {
		m.stepDuration.WithLabelValues(stepType).Observe(d.Seconds())
	}
}

// StepRetried counts a scheduled retry.
func (m *Metrics) StepRetried(stepType string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(stepType).Inc()
}

// ApprovalOpened and ApprovalClosed track pending approvals.
func (m *Metrics) ApprovalOpened() {
	if m == nil {
		return
	}
	m.approvalsPending.Inc()
}

func (m *Metrics) ApprovalClosed() {
	if m == nil {
		return
	}
	m.approvalsPending.Dec()
}

// ApprovalDecision counts one submitted decision.
func (m *Metrics) ApprovalDecision(decision string) {
	if m == nil {
		return
	}
	m.approvalDecisions.WithLabelValues(decision).Inc()
}

// CircuitState records the state of a breaker target.
func (m *Metrics) CircuitState(target string, state int) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(target).Set(float64(state))
}

// TriggerFired counts a trigger fire; result is "ok" or "error".
func (m *Metrics) TriggerFired(triggerType, result string) {
	if m == nil {
		return
	}
	m.triggerFires.WithLabelValues(triggerType, result).Inc()
}

// ExecutorSlotsBusy records how many executor pool slots are in use.
func (m *Metrics) ExecutorSlotsBusy(n int) {
	if m == nil {
		return
	}
	m.slotsBusy.Set(float64(n))
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
