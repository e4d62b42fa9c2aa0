// Package metrics is Borg's Prometheus registry: per-phase attempt/success
// counters, duration and cost histograms, fed by internal/store's
// append_output/mark_output_success calls and exposed over /metrics by
// internal/webapi.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups the gauges/counters/histograms §4.1 calls for, grounded
// on the PrometheusRecorder shape in the metrics-middleware example: one
// struct of promauto-registered vectors, one Observe-style method per
// event kind.
type Registry struct {
	phaseAttemptsTotal *prometheus.CounterVec
	phaseSuccessTotal  *prometheus.CounterVec
	phaseDurationMs    *prometheus.HistogramVec
	phaseCostUSDTotal  *prometheus.CounterVec

	activeAgents    prometheus.Gauge
	chatsByPhase    *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
	busDroppedTotal prometheus.Counter
}

// New registers every metric against the default registry. Call once per
// process; a second call would panic on duplicate registration, matching
// promauto's documented behaviour.
func New() *Registry {
	return newForRegistry(prometheus.DefaultRegisterer)
}

// newForRegistry builds a Registry against an arbitrary Registerer so
// tests can use a throwaway prometheus.NewRegistry() instead of polluting
// (or colliding on) the global default.
func newForRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		phaseAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "borg_phase_attempts_total",
			Help: "Total pipeline phase attempts, by phase.",
		}, []string{"phase"}),
		phaseSuccessTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "borg_phase_success_total",
			Help: "Total successful pipeline phase attempts, by phase.",
		}, []string{"phase"}),
		phaseDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "borg_phase_duration_ms",
			Help:    "Pipeline phase duration in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12),
		}, []string{"phase"}),
		phaseCostUSDTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "borg_phase_cost_usd_total",
			Help: "Total agent cost in USD, by phase.",
		}, []string{"phase"}),
		activeAgents: f.NewGauge(prometheus.GaugeOpts{
			Name: "borg_active_agents",
			Help: "Number of agent containers currently running.",
		}),
		chatsByPhase: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "borg_chats_by_phase",
			Help: "Number of chats currently in each ChatOrchestrator phase.",
		}, []string{"phase"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "borg_integration_queue_depth",
			Help: "Number of entries currently queued for integration.",
		}),
		busDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "borg_bus_dropped_events_total",
			Help: "Total events dropped by the in-process bus due to a full subscriber channel.",
		}),
	}
}

// ObservePhase records one phase attempt's outcome, mirroring
// internal/store.AppendOutput's (phase, durationMs, success, costUSD)
// signature so callers can report both in one place.
func (r *Registry) ObservePhase(phase string, durationMs int64, success bool, costUSD float64) {
	r.phaseAttemptsTotal.WithLabelValues(phase).Inc()
	if success {
		r.phaseSuccessTotal.WithLabelValues(phase).Inc()
	}
	r.phaseDurationMs.WithLabelValues(phase).Observe(float64(durationMs))
	if costUSD > 0 {
		r.phaseCostUSDTotal.WithLabelValues(phase).Add(costUSD)
	}
}

func (r *Registry) SetActiveAgents(n int) { r.activeAgents.Set(float64(n)) }

func (r *Registry) SetChatsInPhase(phase string, n int) {
	r.chatsByPhase.WithLabelValues(phase).Set(float64(n))
}

func (r *Registry) SetQueueDepth(n int) { r.queueDepth.Set(float64(n)) }

func (r *Registry) IncBusDropped() { r.busDroppedTotal.Inc() }
