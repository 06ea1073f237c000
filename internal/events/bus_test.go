package events

import (
	"fmt"
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(EventTaskStarted, 10)

	bus.Publish(Event{
		RunID:     "run-1",
		TaskID:    "task-1",
		Type:      EventTaskStarted,
		CreatedAt: time.Now(),
	})

	select {
	case received := <-ch:
		if received.TaskID != "task-1" {
			t.Errorf("expected task ID 'task-1', got '%s'", received.TaskID)
		}
		if received.Type != EventTaskStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTaskStarted, received.Type)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(EventTaskFinished, 10)
	ch2 := bus.Subscribe(EventTaskFinished, 10)

	bus.Publish(Event{
		RunID:     "run-1",
		TaskID:    "task-2",
		Type:      EventTaskFinished,
		CreatedAt: time.Now(),
	})

	// Both channels should receive the event
	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.TaskID != "task-2" {
				t.Errorf("subscriber %d: expected task ID 'task-2', got '%s'", i+1, received.TaskID)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// Subscribe with buffer size 1
	ch := bus.Subscribe(EventTaskOutput, 1)

	// Publish 10 events - should not deadlock
	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(OutputLine("run-1", fmt.Sprintf("task-%d", i), "line"))
		}
		done <- true
	}()

	// Publisher should complete immediately (non-blocking)
	select {
	case <-done:
		// Success - publisher didn't block
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	// Verify we received at least one event (buffer size 1)
	select {
	case received := <-ch:
		if received.Type != EventTaskOutput {
			t.Errorf("unexpected event type %s", received.Type)
		}
	default:
		t.Error("expected at least one event in buffer")
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewBus()

	ch := bus.Subscribe(EventTaskStarted, 10)

	bus.Close()

	// Channel should be closed (range loop should exit immediately)
	received := 0
	for range ch {
		received++
	}

	if received != 0 {
		t.Errorf("expected 0 events after close, got %d", received)
	}
}

// TestPublishAfterClose verifies publishing after close doesn't panic.
func TestPublishAfterClose(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(EventTaskStarted, 10)

	bus.Close()
	bus.Close() // Close is idempotent

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()

	bus.Publish(Event{TaskID: "task-1", Type: EventTaskStarted})

	// Channel is closed, so we shouldn't receive anything
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after bus was closed")
		}
	default:
		// Expected - channel closed, no data
	}
}

// TestEventTypeIsolation verifies subscriptions only see their own type.
func TestEventTypeIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	startedCh := bus.Subscribe(EventTaskStarted, 10)
	controlCh := bus.Subscribe(EventTaskControl, 10)

	bus.Publish(Event{TaskID: "task-1", Type: EventTaskStarted})
	bus.Publish(Event{TaskID: "task-1", Type: EventTaskControl})

	select {
	case received := <-startedCh:
		if received.Type != EventTaskStarted {
			t.Errorf("started channel: expected task_started, got %s", received.Type)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("started channel: timeout waiting for event")
	}

	select {
	case received := <-controlCh:
		if received.Type != EventTaskControl {
			t.Errorf("control channel: expected task_control, got %s", received.Type)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("control channel: timeout waiting for event")
	}

	// Neither channel should see the other's event
	select {
	case <-startedCh:
		t.Error("started channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}
	select {
	case <-controlCh:
		t.Error("control channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}
}

// TestSubscribeAll verifies that SubscribeAll receives every event type.
func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(Event{TaskID: "task-1", Type: EventTaskStarted})
	bus.Publish(Event{RunID: "run-1", Type: EventRunFinished})

	receivedTypes := make(map[EventType]bool)
	for i := 0; i < 2; i++ {
		select {
		case received := <-allCh:
			receivedTypes[received.Type] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	if !receivedTypes[EventTaskStarted] {
		t.Error("SubscribeAll did not receive task_started")
	}
	if !receivedTypes[EventRunFinished] {
		t.Error("SubscribeAll did not receive run_finished")
	}

	select {
	case <-allCh:
		t.Error("received unexpected third event")
	case <-time.After(10 * time.Millisecond):
		// Expected - no more events
	}
}

func TestOutputLinePayload(t *testing.T) {
	ev := OutputLine("run-1", "task-1", "hello world")

	if ev.Type != EventTaskOutput {
		t.Errorf("type = %s, want %s", ev.Type, EventTaskOutput)
	}
	if ev.ID != 0 {
		t.Errorf("bus-only event should carry ID 0, got %d", ev.ID)
	}
	if got := ev.PayloadString("line"); got != "hello world" {
		t.Errorf("PayloadString(line) = %q, want %q", got, "hello world")
	}
	if got := ev.PayloadString("missing"); got != "" {
		t.Errorf("PayloadString(missing) = %q, want empty", got)
	}
}
