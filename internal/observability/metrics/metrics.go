package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// Metrics exposes engine counters for scraping.
type Metrics struct {
	transitions      *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	quotaConsumed    *prometheus.CounterVec
	ledgerEntries    *prometheus.CounterVec
	lockContention   *prometheus.CounterVec
	slaOverTarget    prometheus.Counter
	assignments      *prometheus.CounterVec
	lockWaitDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_request_transitions_total",
			Help: "Request lifecycle transitions applied.",
		}, []string{"from", "to"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_transition_rejections_total",
			Help: "Rejected lifecycle transitions by reason.",
		}, []string{"reason"}),
		quotaConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_quota_units_total",
			Help: "Quota units consumed, split covered vs overage.",
		}, []string{"bucket"}),
		ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_ledger_entries_total",
			Help: "Billing ledger entries created by source type.",
		}, []string{"source_type"}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_lock_contention_total",
			Help: "Bounded lock waits that expired.",
		}, []string{"resource"}),
		slaOverTarget: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atelier_sla_over_target_total",
			Help: "Deliveries classified over their SLA target.",
		}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_assignments_total",
			Help: "Assignments handed out per vendor.",
		}, []string{"vendor_id"}),
		lockWaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atelier_lock_wait_seconds",
			Help:    "Row lock wait durations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"resource"}),
	}

	reg.MustRegister(
		m.transitions,
		m.rejections,
		m.quotaConsumed,
		m.ledgerEntries,
		m.lockContention,
		m.slaOverTarget,
		m.assignments,
		m.lockWaitDuration,
	)
	return m
}

func (m *Metrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddQuotaUnits(covered, overage int64) {
	if m == nil {
		return
	}
	m.quotaConsumed.WithLabelValues("covered").Add(float64(covered))
	m.quotaConsumed.WithLabelValues("overage").Add(float64(overage))
}

func (m *Metrics) IncLedgerEntry(sourceType string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(sourceType).Inc()
}

func (m *Metrics) IncLockContention(resource string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(resource).Inc()
}

func (m *Metrics) IncSLAOverTarget() {
	if m == nil {
		return
	}
	m.slaOverTarget.Inc()
}

func (m *Metrics) IncAssignment(vendorID string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(vendorID).Inc()
}

func (m *Metrics) ObserveLockWait(resource string, seconds float64) {
	if m == nil {
		return
	}
	m.lockWaitDuration.WithLabelValues(resource).Observe(seconds)
}

func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func provideRegisterer(reg *prometheus.Registry) prometheus.Registerer { return reg }

// Module wires the prometheus registry and engine metrics.
var Module = fx.Module("observability.metrics",
	fx.Provide(
		NewRegistry,
		provideRegisterer,
		New,
	),
)
