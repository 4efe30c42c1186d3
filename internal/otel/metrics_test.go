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

	if m.TickDuration == nil {
		t.Error("TickDuration is nil")
	}
	if m.RemindersFired == nil {
		t.Error("RemindersFired is nil")
	}
	if m.EscalationsEmitted == nil {
		t.Error("EscalationsEmitted is nil")
	}
	if m.EscalationsDeduped == nil {
		t.Error("EscalationsDeduped is nil")
	}
	if m.ProbesSent == nil {
		t.Error("ProbesSent is nil")
	}
	if m.TasksCreated == nil {
		t.Error("TasksCreated is nil")
	}
	if m.TasksTransitioned == nil {
		t.Error("TasksTransitioned is nil")
	}
	if m.TriageEnqueued == nil {
		t.Error("TriageEnqueued is nil")
	}
	if m.TriageResolved == nil {
		t.Error("TriageResolved is nil")
	}
	if m.TriageDepth == nil {
		t.Error("TriageDepth is nil")
	}
	if m.TokensUsed == nil {
		t.Error("TokensUsed is nil")
	}
	if m.CostUSD == nil {
		t.Error("CostUSD is nil")
	}
	if m.ConversationsPruned == nil {
		t.Error("ConversationsPruned is nil")
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
