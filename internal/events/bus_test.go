package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskDispatchedEvent{
		ID:        "1.1",
		Kind:      "command",
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.Subject() != "1.1" {
			t.Errorf("subject = %q, want 1.1", received.Subject())
		}
		if received.EventType() != EventTypeTaskDispatched {
			t.Errorf("event type = %q, want %q", received.EventType(), EventTypeTaskDispatched)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestTopicIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	gateCh := bus.Subscribe(TopicGate, 10)

	bus.Publish(TopicGate, GateDecidedEvent{PhaseID: "2", Status: "warn", Timestamp: time.Now()})

	select {
	case ev := <-gateCh:
		if ev.EventType() != EventTypeGateDecided {
			t.Errorf("event type = %q, want %q", ev.EventType(), EventTypeGateDecided)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("gate subscriber never received event")
	}

	select {
	case ev := <-taskCh:
		t.Errorf("task subscriber received %s", ev.EventType())
	default:
	}
}

func TestSubscribeAllReceivesEveryTopic(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)

	bus.Publish(TopicRun, RunStartedEvent{RunID: "r1", PlanName: "Demo", Phases: 2, Timestamp: time.Now()})
	bus.Publish(TopicPhase, PhaseCompletedEvent{PhaseID: "1", Timestamp: time.Now()})

	var types []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-all:
			types = append(types, ev.EventType())
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout after %d events", i)
		}
	}
	if types[0] != EventTypeRunStarted || types[1] != EventTypePhaseCompleted {
		t.Errorf("got event types %v", types)
	}
}

func TestNonBlockingPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, TaskFinishedEvent{ID: "1.1", Status: "completed", Timestamp: time.Now()})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked on a full subscriber channel")
	}

	select {
	case received := <-ch:
		if received == nil {
			t.Error("received nil event")
		}
	default:
		t.Error("expected at least one buffered event")
	}
}

func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicRun, 10)
	bus.Close()

	received := 0
	for range ch {
		received++
	}
	if received != 0 {
		t.Errorf("got %d events after close, want 0", received)
	}

	// Publishing after close is a no-op, and closing twice is safe.
	bus.Publish(TopicRun, RunFinishedEvent{RunID: "r1", Status: "completed"})
	bus.Close()
}

func TestSubscribeAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	if _, open := <-ch; open {
		t.Error("channel from closed bus should be closed")
	}
}
