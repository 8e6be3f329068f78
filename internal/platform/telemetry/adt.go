package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ADTMetrics are the admission/bed counters. All methods are safe on a nil
// receiver so services can run without metrics in tests.
type ADTMetrics struct {
	transitions      *prometheus.CounterVec
	bedWriteConflict prometheus.Counter
	bedContested     prometheus.Counter
	anomalies        *prometheus.CounterVec
	violations       *prometheus.GaugeVec
	sweeps           *prometheus.CounterVec
	dbPool           *prometheus.GaugeVec
}

func NewADTMetrics() *ADTMetrics {
	return &ADTMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adt_transitions_total",
			Help: "Admission lifecycle operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		bedWriteConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adt_bed_write_conflicts_total",
			Help: "Optimistic concurrency conflicts on ward writes",
		}),
		bedContested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adt_bed_contested_total",
			Help: "Ward writes abandoned after exhausting retries",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adt_integrity_anomalies_total",
			Help: "Partial failures and bed/record mismatches by step",
		}, []string{"step"}),
		violations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "adt_reconcile_violations",
			Help: "Violations found by the most recent reconciliation sweep",
		}, []string{"kind"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adt_reconcile_runs_total",
			Help: "Reconciliation sweeps by result",
		}, []string{"result"}),
		dbPool: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "adt_db_pool_connections",
			Help: "Database pool connections by state",
		}, []string{"state"}),
	}
}

func (m *ADTMetrics) register(reg prometheus.Registerer) {
	reg.MustRegister(m.transitions, m.bedWriteConflict, m.bedContested, m.anomalies, m.violations, m.sweeps, m.dbPool)
}

// Transition counts one lifecycle call. outcome is "ok", "rejected",
// "unconfirmed" or "error".
func (m *ADTMetrics) Transition(operation, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
}

func (m *ADTMetrics) BedWriteConflict() {
	if m == nil {
		return
	}
	m.bedWriteConflict.Inc()
}

func (m *ADTMetrics) BedContested() {
	if m == nil {
		return
	}
	m.bedContested.Inc()
}

func (m *ADTMetrics) IntegrityAnomaly(step string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(step).Inc()
}

// SweepCompleted records the violation counts of a finished sweep. Kinds
// missing from counts are reset to zero.
func (m *ADTMetrics) SweepCompleted(kinds []string, counts map[string]int) {
	if m == nil {
		return
	}
	for _, k := range kinds {
		m.violations.WithLabelValues(k).Set(float64(counts[k]))
	}
	m.sweeps.WithLabelValues("ok").Inc()
}

func (m *ADTMetrics) SweepFailed() {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues("error").Inc()
}

// SetDBPool publishes pool connection counts.
func (m *ADTMetrics) SetDBPool(total, idle, acquired int32) {
	if m == nil {
		return
	}
	m.dbPool.WithLabelValues("total").Set(float64(total))
	m.dbPool.WithLabelValues("idle").Set(float64(idle))
	m.dbPool.WithLabelValues("acquired").Set(float64(acquired))
}
