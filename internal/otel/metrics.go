package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Borg metrics instruments.
type Metrics struct {
	WebAPIRequestDuration metric.Float64Histogram
	PipelinePhaseDuration metric.Float64Histogram
	AgentRunDuration      metric.Float64Histogram
	AgentCostUSDTotal     metric.Float64Counter
	AgentRunFailures      metric.Int64Counter
	ActiveAgents          metric.Int64UpDownCounter
	PhaseTransitionsTotal metric.Int64Counter
	QueueDepth            metric.Int64UpDownCounter
	ChatRateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.WebAPIRequestDuration, err = meter.Float64Histogram("borg.webapi.request.duration",
		metric.WithDescription("Dashboard HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PipelinePhaseDuration, err = meter.Float64Histogram("borg.pipeline.phase.duration",
		metric.WithDescription("Pipeline phase run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentRunDuration, err = meter.Float64Histogram("borg.agent.run.duration",
		metric.WithDescription("Agent container run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentCostUSDTotal, err = meter.Float64Counter("borg.agent.cost_usd_total",
		metric.WithDescription("Cumulative agent cost in USD, from NDJSON result events"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentRunFailures, err = meter.Int64Counter("borg.agent.run.failures",
		metric.WithDescription("Agent runs that completed with success=false"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAgents, err = meter.Int64UpDownCounter("borg.agent.active",
		metric.WithDescription("Number of agent containers currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.PhaseTransitionsTotal, err = meter.Int64Counter("borg.pipeline.phase.transitions",
		metric.WithDescription("Total pipeline task phase transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("borg.queue.depth",
		metric.WithDescription("Number of entries currently queued for integration"),
	)
	if err != nil {
		return nil, err
	}

	m.ChatRateLimitRejects, err = meter.Int64Counter("borg.chat.ratelimit.rejects",
		metric.WithDescription("Chat triggers rejected by the per-chat rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
