package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestPrometheusMetrics_RecordDecision(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordDecision(entitle.ResourceMediaCredit, entitle.TierStarter, true)
	metrics.RecordDecision(entitle.ResourceMediaCredit, entitle.TierStarter, true)
	metrics.RecordDecision(entitle.ResourceMediaCredit, entitle.TierStarter, false)

	mf := gather(t, reg, "test_entitlement_decisions_total")
	counts := map[string]float64{}
	for _, m := range mf.GetMetric() {
		counts[labelValue(m, "allowed")] = m.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, counts["true"])
	assert.Equal(t, 1.0, counts["false"])
}

func TestPrometheusMetrics_RecordCommit(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordCommit(entitle.ResourceMediaCredit, entitle.TierGrowth, 3)
	metrics.RecordCommit(entitle.ResourceMediaCredit, entitle.TierGrowth, 4)

	mf := gather(t, reg, "test_usage_commit_total")
	require.Len(t, mf.GetMetric(), 1)
	assert.Equal(t, 7.0, mf.GetMetric()[0].GetCounter().GetValue())

	hist := gather(t, reg, "test_usage_commit_amount")
	assert.Equal(t, uint64(2), hist.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestPrometheusMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("get_usage", 5*time.Millisecond, nil)
	metrics.RecordStorageOperation("get_usage", 7*time.Millisecond, errors.New("timeout"))

	hist := gather(t, reg, "test_storage_operation_duration_seconds")
	assert.Equal(t, uint64(2), hist.GetMetric()[0].GetHistogram().GetSampleCount())

	errs := gather(t, reg, "test_storage_operation_errors_total")
	assert.Equal(t, 1.0, errs.GetMetric()[0].GetCounter().GetValue())
}

func TestPrometheusMetrics_RolloverAndCircuitBreaker(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordRollover(entitle.TierAgency)
	metrics.RecordCheckDuration(entitle.ResourceProCall, time.Millisecond)
	metrics.RecordCircuitBreakerStateChange("open")

	rollovers := gather(t, reg, "test_usage_rollovers_total")
	assert.Equal(t, "agency", labelValue(rollovers.GetMetric()[0], "tier"))

	cb := gather(t, reg, "test_circuit_breaker_state_changes_total")
	assert.Equal(t, "open", labelValue(cb.GetMetric()[0], "state"))

	gather(t, reg, "test_entitlement_check_duration_seconds")
}

var _ entitle.Metrics = (*Metrics)(nil)
