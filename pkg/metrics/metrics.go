// Package metrics holds the Prometheus instruments shared by every component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "strata"

// Metrics holds all Prometheus metrics on a dedicated registry.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ActiveExecutions   prometheus.Gauge
	StepsTotal         *prometheus.CounterVec
	StepDuration       *prometheus.HistogramVec
	AllocationsTotal   *prometheus.CounterVec
	ResourceViolations *prometheus.CounterVec
	CostUnits          *prometheus.CounterVec
	AuditRecordsTotal  *prometheus.CounterVec
	AdmissionsTotal    *prometheus.CounterVec
	RiskScores         prometheus.Histogram
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Executions that reached a terminal state, by status.",
			},
			[]string{"status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall clock duration of executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"flow"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Executions currently owned by this engine.",
			},
		),

		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Step attempts by step type and outcome.",
			},
			[]string{"type", "outcome"},
		),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step attempts in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),

		AllocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "allocations_total",
				Help:      "Resource allocation requests by tenant and outcome.",
			},
			[]string{"tenant", "outcome"},
		),

		ResourceViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_violations_total",
				Help:      "Resource violations by resource, severity and enforcement action.",
			},
			[]string{"resource", "severity", "action"},
		),

		CostUnits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_units_total",
				Help:      "Billed cost units by tenant.",
			},
			[]string{"tenant"},
		),

		AuditRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_records_total",
				Help:      "Audit records appended, by record type.",
			},
			[]string{"type"},
		),

		AdmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Inbound events by admission outcome and first rejection stage.",
			},
			[]string{"outcome", "stage"},
		),

		RiskScores: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "risk_score",
				Help:      "Distribution of computed admission risk scores.",
				Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.StepsTotal,
		m.StepDuration,
		m.AllocationsTotal,
		m.ResourceViolations,
		m.CostUnits,
		m.AuditRecordsTotal,
		m.AdmissionsTotal,
		m.RiskScores,
	)

	return m
}
