// Package metrics exposes the profiler's own self-instrumentation as
// Prometheus collectors, so an embedding service can scrape hook
// overhead the same way it scrapes everything else. Grounded on the
// Registerer-injection pattern other Go profilers in the ecosystem use
// to avoid forcing callers onto the global default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors one profiler session publishes. Callers
// construct it with their own prometheus.Registerer (or
// prometheus.DefaultRegisterer) and pass it to internal/session.
type Metrics struct {
	HookEvents       *prometheus.CounterVec
	ProfileCostNs    prometheus.Gauge
	TruncatedSamples prometheus.Counter
	SessionsStarted  prometheus.Counter
	SessionsStopped  prometheus.Counter
}

// New registers and returns a fresh Metrics against reg. reg must not be
// nil; pass prometheus.NewRegistry() in tests to avoid collisions with
// other sessions registering the same names.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lprof_hook_events_total",
			Help: "Number of profiler hook invocations processed, by hook kind.",
		}, []string{"hook"}),
		ProfileCostNs: f.NewGauge(prometheus.GaugeOpts{
			Name: "lprof_profile_cost_ns",
			Help: "Accumulated wall time spent inside the profiler's own hooks, in nanoseconds.",
		}),
		TruncatedSamples: f.NewCounter(prometheus.CounterOpts{
			Name: "lprof_sampler_truncated_samples_total",
			Help: "CPU samples whose stack walk hit the depth bound before reaching the root.",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "lprof_sessions_started_total",
			Help: "Profiling sessions started.",
		}),
		SessionsStopped: f.NewCounter(prometheus.CounterOpts{
			Name: "lprof_sessions_stopped_total",
			Help: "Profiling sessions stopped.",
		}),
	}
}

// hook kind labels, shared so callers don't hand-roll label strings.
const (
	HookCallReturn = "call_return"
	HookAlloc      = "alloc"
	HookCount      = "count"
)

// ObserveHookEvent increments the counter for one hook invocation. m may
// be nil — sessions built without metrics wiring simply skip recording.
func (m *Metrics) ObserveHookEvent(kind string) {
	if m == nil {
		return
	}
	m.HookEvents.WithLabelValues(kind).Inc()
}

// SetProfileCostNs publishes the session's latest accumulated hook
// overhead. m may be nil.
func (m *Metrics) SetProfileCostNs(ns uint64) {
	if m == nil {
		return
	}
	m.ProfileCostNs.Set(float64(ns))
}

// AddTruncatedSamples accounts for samples dropped by internal/sampler's
// depth bound since the last call. m may be nil.
func (m *Metrics) AddTruncatedSamples(delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.TruncatedSamples.Add(float64(delta))
}
