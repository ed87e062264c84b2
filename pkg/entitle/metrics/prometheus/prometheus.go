package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Metrics implements entitle.Metrics using Prometheus.
type Metrics struct {
	decisionsTotal             *prometheus.CounterVec
	checkDuration              *prometheus.HistogramVec
	commitTotal                *prometheus.CounterVec
	commitAmount               *prometheus.HistogramVec
	rolloversTotal             *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_decisions_total",
			Help:      "Total number of entitlement checks by outcome.",
		}, []string{"resource", "tier", "allowed"}),

		checkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "entitlement_check_duration_seconds",
			Help:      "Latency of entitlement checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource"}),

		commitTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_commit_total",
			Help:      "Total amount of usage committed to the ledger.",
		}, []string{"resource", "tier"}),

		commitAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "usage_commit_amount",
			Help:      "Distribution of committed usage amounts.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}, []string{"resource", "tier"}),

		rolloversTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_rollovers_total",
			Help:      "Total number of ledger resets at billing cycle boundaries.",
		}, []string{"tier"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordDecision(kind entitle.ResourceKind, tier entitle.Tier, allowed bool) {
	m.decisionsTotal.WithLabelValues(string(kind), string(tier), strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordCheckDuration(kind entitle.ResourceKind, duration time.Duration) {
	m.checkDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func (m *Metrics) RecordCommit(kind entitle.ResourceKind, tier entitle.Tier, amount int) {
	m.commitTotal.WithLabelValues(string(kind), string(tier)).Add(float64(amount))
	m.commitAmount.WithLabelValues(string(kind), string(tier)).Observe(float64(amount))
}

func (m *Metrics) RecordRollover(tier entitle.Tier) {
	m.rolloversTotal.WithLabelValues(string(tier)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
