package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestObservePhaseRecordsAttemptAndSuccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newForRegistry(reg)

	r.ObservePhase("impl", 250, true, 0.02)

	if got := counterValue(t, r.phaseAttemptsTotal.WithLabelValues("impl")); got != 1 {
		t.Fatalf("attempts = %v, want 1", got)
	}
	if got := counterValue(t, r.phaseSuccessTotal.WithLabelValues("impl")); got != 1 {
		t.Fatalf("success = %v, want 1", got)
	}
	if got := counterValue(t, r.phaseCostUSDTotal.WithLabelValues("impl")); got != 0.02 {
		t.Fatalf("cost = %v, want 0.02", got)
	}
}

func TestObservePhaseFailureDoesNotIncrementSuccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newForRegistry(reg)

	r.ObservePhase("test", 100, false, 0)

	if got := counterValue(t, r.phaseAttemptsTotal.WithLabelValues("test")); got != 1 {
		t.Fatalf("attempts = %v, want 1", got)
	}
	if got := counterValue(t, r.phaseSuccessTotal.WithLabelValues("test")); got != 0 {
		t.Fatalf("success = %v, want 0", got)
	}
}

func TestSettersDoNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newForRegistry(reg)

	r.SetActiveAgents(3)
	r.SetChatsInPhase("collecting", 2)
	r.SetQueueDepth(5)
	r.IncBusDropped()
}
