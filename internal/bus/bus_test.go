package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicNotifyReminder)
	defer b.Unsubscribe(sub)

	b.Publish(TopicNotifyReminder, NotifyEvent{TaskID: 1, Kind: "reminder"})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(NotifyEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if payload.TaskID != 1 {
			t.Fatalf("expected task 1, got %d", payload.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	sub := b.Subscribe("notify.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicNotifyEscalation, NotifyEvent{TaskID: 2, Kind: "escalation"})
	b.Publish(TopicTaskCreated, TaskEvent{TaskID: 3})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicNotifyEscalation {
			t.Fatalf("expected escalation topic, got %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %q for prefix subscription", ev.Topic)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicTaskCreated, TaskEvent{TaskID: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
}
