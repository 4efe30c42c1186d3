package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all minder metrics instruments.
type Metrics struct {
	TickDuration        metric.Float64Histogram
	RemindersFired      metric.Int64Counter
	EscalationsEmitted  metric.Int64Counter
	EscalationsDeduped  metric.Int64Counter
	ProbesSent          metric.Int64Counter
	TasksCreated        metric.Int64Counter
	TasksTransitioned   metric.Int64Counter
	TriageEnqueued      metric.Int64Counter
	TriageResolved      metric.Int64Counter
	TriageDepth         metric.Int64UpDownCounter
	TokensUsed          metric.Int64Counter
	CostUSD             metric.Float64Counter
	ConversationsPruned metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TickDuration, err = meter.Float64Histogram("minder.scheduler.tick.duration",
		metric.WithDescription("Scheduler tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RemindersFired, err = meter.Int64Counter("minder.reminders.fired",
		metric.WithDescription("Reminders delivered and marked sent"),
	)
	if err != nil {
		return nil, err
	}

	m.EscalationsEmitted, err = meter.Int64Counter("minder.escalations.emitted",
		metric.WithDescription("Deadline escalations delivered (first per task per day)"),
	)
	if err != nil {
		return nil, err
	}

	m.EscalationsDeduped, err = meter.Int64Counter("minder.escalations.deduped",
		metric.WithDescription("Deadline escalations suppressed by the per-day key"),
	)
	if err != nil {
		return nil, err
	}

	m.ProbesSent, err = meter.Int64Counter("minder.probes.sent",
		metric.WithDescription("Completion probes sent for tracked tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("minder.tasks.created",
		metric.WithDescription("Tasks created"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksTransitioned, err = meter.Int64Counter("minder.tasks.transitioned",
		metric.WithDescription("Task status transitions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.TriageEnqueued, err = meter.Int64Counter("minder.triage.enqueued",
		metric.WithDescription("Low-confidence classifications queued for review"),
	)
	if err != nil {
		return nil, err
	}

	m.TriageResolved, err = meter.Int64Counter("minder.triage.resolved",
		metric.WithDescription("Triage entries resolved by owner verdict"),
	)
	if err != nil {
		return nil, err
	}

	m.TriageDepth, err = meter.Int64UpDownCounter("minder.triage.depth",
		metric.WithDescription("Unresolved triage queue depth"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("minder.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.CostUSD, err = meter.Float64Counter("minder.llm.cost_usd",
		metric.WithDescription("Cumulative LLM spend in USD"),
	)
	if err != nil {
		return nil, err
	}

	m.ConversationsPruned, err = meter.Int64Counter("minder.conversation.pruned",
		metric.WithDescription("Conversation turns removed by the retention job"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
