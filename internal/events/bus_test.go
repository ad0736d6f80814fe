package events

import "testing"

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TaskCreated)

	bus.Publish(New(TaskCreated, "tasks", map[string]interface{}{"id": "task-1"}))
	bus.Publish(New(TaskDeleted, "tasks", map[string]interface{}{"id": "task-2"}))

	select {
	case ev := <-ch:
		if ev.Type != TaskCreated {
			t.Fatalf("expected task:created, got %s", ev.Type)
		}
	default:
		t.Fatal("expected a buffered event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("did not expect a second event, got %v", ev)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestBusAllTypesWhenFilterEmpty(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	bus.Publish(New(ShadowSynced, "tasks", nil))

	ev := <-ch
	if ev.Type != ShadowSynced {
		t.Fatalf("expected shadow:synced, got %s", ev.Type)
	}
}
