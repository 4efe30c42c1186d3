package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-minder/internal/bus"
)

// Bridge folds bus events into metric instruments, so counters reflect the
// same event stream any other observer sees.
type Bridge struct {
	bus     *bus.Bus
	metrics *Metrics
	sub     *bus.Subscription
	done    chan struct{}
}

// NewBridge subscribes to all topics on b. Call Run to start draining.
func NewBridge(b *bus.Bus, m *Metrics) *Bridge {
	return &Bridge{
		bus:     b,
		metrics: m,
		sub:     b.Subscribe(""),
		done:    make(chan struct{}),
	}
}

// Run drains events until ctx is cancelled or the bus closes the channel.
func (br *Bridge) Run(ctx context.Context) {
	defer close(br.done)
	defer br.bus.Unsubscribe(br.sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-br.sub.Ch():
			if !ok {
				return
			}
			br.apply(ctx, ev)
		}
	}
}

// Done closes once Run has unsubscribed and returned.
func (br *Bridge) Done() <-chan struct{} {
	return br.done
}

func (br *Bridge) apply(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicTaskCreated, bus.TopicTaskRecurred:
		br.metrics.TasksCreated.Add(ctx, 1)
	case bus.TopicTaskTransitioned:
		br.metrics.TasksTransitioned.Add(ctx, 1)
	case bus.TopicTriageEnqueued:
		br.metrics.TriageEnqueued.Add(ctx, 1)
		br.metrics.TriageDepth.Add(ctx, 1)
	case bus.TopicTriageResolved:
		br.metrics.TriageResolved.Add(ctx, 1)
		br.metrics.TriageDepth.Add(ctx, -1)
	case bus.TopicBrainCall:
		call, ok := ev.Payload.(bus.BrainEvent)
		if !ok {
			return
		}
		model := metric.WithAttributes(AttrModel.String(call.Model))
		br.metrics.TokensUsed.Add(ctx, int64(call.TokensIn+call.TokensOut), model)
		br.metrics.CostUSD.Add(ctx, call.CostUSD, model)
	}
}
