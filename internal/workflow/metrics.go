package workflow

import "github.com/prometheus/client_golang/prometheus"

// Hooks receives pipeline events. Nil funcs are skipped.
type Hooks struct {
	OnStage      func(stage, outcome string, duration float64)
	OnStoreError func(field Field)
	OnComplete   func(outcome string, duration float64)
}

func (h Hooks) stage(stage, outcome string, duration float64) {
	if h.OnStage != nil {
		h.OnStage(stage, outcome, duration)
	}
}

func (h Hooks) storeError(field Field) {
	if h.OnStoreError != nil {
		h.OnStoreError(field)
	}
}

func (h Hooks) complete(outcome string, duration float64) {
	if h.OnComplete != nil {
		h.OnComplete(outcome, duration)
	}
}

// Metrics holds Prometheus metrics for the workflow subsystem.
type Metrics struct {
	WorkflowsTotal   *prometheus.CounterVec
	WorkflowDuration *prometheus.HistogramVec
	StageCallsTotal  *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StoreErrorsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns workflow metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanguard_workflows_total",
			Help: "Total workflow runs by final outcome.",
		}, []string{"outcome"}),
		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vanguard_workflow_duration_seconds",
			Help:    "Duration of workflow runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		}, []string{"outcome"}),
		StageCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanguard_stage_calls_total",
			Help: "Total stage invocations by stage and outcome.",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vanguard_stage_duration_seconds",
			Help:    "Duration of stage invocations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"stage"}),
		StoreErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanguard_store_errors_total",
			Help: "Failed record store writes by field.",
		}, []string{"field"}),
	}

	reg.MustRegister(
		m.WorkflowsTotal,
		m.WorkflowDuration,
		m.StageCallsTotal,
		m.StageDuration,
		m.StoreErrorsTotal,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnStage: func(stage, outcome string, duration float64) {
			m.StageCallsTotal.WithLabelValues(stage, outcome).Inc()
			if outcome != outcomeSkipped {
				m.StageDuration.WithLabelValues(stage).Observe(duration)
			}
		},
		OnStoreError: func(field Field) {
			m.StoreErrorsTotal.WithLabelValues(string(field)).Inc()
		},
		OnComplete: func(outcome string, duration float64) {
			m.WorkflowsTotal.WithLabelValues(outcome).Inc()
			m.WorkflowDuration.WithLabelValues(outcome).Observe(duration)
		},
	}
}
