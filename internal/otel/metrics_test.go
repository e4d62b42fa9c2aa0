package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.WebAPIRequestDuration == nil {
		t.Error("WebAPIRequestDuration is nil")
	}
	if m.PipelinePhaseDuration == nil {
		t.Error("PipelinePhaseDuration is nil")
	}
	if m.AgentRunDuration == nil {
		t.Error("AgentRunDuration is nil")
	}
	if m.AgentCostUSDTotal == nil {
		t.Error("AgentCostUSDTotal is nil")
	}
	if m.AgentRunFailures == nil {
		t.Error("AgentRunFailures is nil")
	}
	if m.ActiveAgents == nil {
		t.Error("ActiveAgents is nil")
	}
	if m.PhaseTransitionsTotal == nil {
		t.Error("PhaseTransitionsTotal is nil")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}
	if m.ChatRateLimitRejects == nil {
		t.Error("ChatRateLimitRejects is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
