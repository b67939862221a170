package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveHookEventIncrementsLabeledCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveHookEvent(HookAlloc)
	m.ObserveHookEvent(HookAlloc)
	m.ObserveHookEvent(HookCount)

	if got := counterVecValue(t, m.HookEvents, HookAlloc); got != 2 {
		t.Fatalf("hook_events{alloc} = %v, want 2", got)
	}
	if got := counterVecValue(t, m.HookEvents, HookCount); got != 1 {
		t.Fatalf("hook_events{count} = %v, want 1", got)
	}
}

func TestSetProfileCostNsPublishesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetProfileCostNs(4200)

	var d dto.Metric
	if err := m.ProfileCostNs.Write(&d); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if d.GetGauge().GetValue() != 4200 {
		t.Fatalf("profile_cost_ns = %v, want 4200", d.GetGauge().GetValue())
	}
}

func TestAddTruncatedSamplesAccumulates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AddTruncatedSamples(3)
	m.AddTruncatedSamples(2)

	var d dto.Metric
	if err := m.TruncatedSamples.Write(&d); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if d.GetCounter().GetValue() != 5 {
		t.Fatalf("truncated_samples = %v, want 5", d.GetCounter().GetValue())
	}
}

func TestNilMetricsMethodsAreNoOps(t *testing.T) {
	var m *Metrics
	m.ObserveHookEvent(HookCallReturn)
	m.SetProfileCostNs(10)
	m.AddTruncatedSamples(1)
}

func counterVecValue(t *testing.T, cv *prometheus.CounterVec, label string) float64 {
	t.Helper()
	var d dto.Metric
	if err := cv.WithLabelValues(label).Write(&d); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return d.GetCounter().GetValue()
}
