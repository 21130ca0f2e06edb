package devman

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeAndEmit(t *testing.T) {
	bus := NewEventBus()
	var received []Event

	bus.Subscribe(func(e Event) {
		received = append(received, e)
	})

	bus.Emit(Event{Type: EventDiscovered, Device: "new_0"})
	bus.Emit(Event{Type: EventSet, Device: "porch", Detail: "on (ui)"})

	if len(received) != 2 {
		t.Fatalf("expected 2 events, got %d", len(received))
	}
	if received[0].Type != EventDiscovered {
		t.Errorf("expected EventDiscovered, got %v", received[0].Type)
	}
	if received[1].Type != EventSet {
		t.Errorf("expected EventSet, got %v", received[1].Type)
	}
}

func TestSubscribeTypes(t *testing.T) {
	bus := NewEventBus()
	var received []Event

	bus.SubscribeTypes(func(e Event) {
		received = append(received, e)
	}, EventConfirmed, EventChanged)

	bus.Emit(Event{Type: EventConfirmed, Device: "porch"})
	bus.Emit(Event{Type: EventSet, Device: "porch"}) // should be filtered
	bus.Emit(Event{Type: EventChanged, Device: "garage"})

	if len(received) != 2 {
		t.Fatalf("expected 2 filtered events, got %d", len(received))
	}
	if received[0].Device != "porch" {
		t.Errorf("expected porch, got %s", received[0].Device)
	}
	if received[1].Device != "garage" {
		t.Errorf("expected garage, got %s", received[1].Device)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	count := 0

	id := bus.Subscribe(func(e Event) {
		count++
	})

	bus.Emit(Event{Type: EventSet})
	if count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}

	bus.Unsubscribe(id)
	bus.Emit(Event{Type: EventSet})
	if count != 1 {
		t.Fatalf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestUnsubscribeNonExistent(t *testing.T) {
	bus := NewEventBus()
	// Should not panic
	bus.Unsubscribe(999)
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	counts := make(map[string]int)

	bus.Subscribe(func(e Event) {
		mu.Lock()
		counts["a"]++
		mu.Unlock()
	})
	bus.Subscribe(func(e Event) {
		mu.Lock()
		counts["b"]++
		mu.Unlock()
	})

	bus.Emit(Event{Type: EventSet})

	mu.Lock()
	defer mu.Unlock()
	if counts["a"] != 1 || counts["b"] != 1 {
		t.Errorf("expected both subscribers called once, got a=%d b=%d", counts["a"], counts["b"])
	}
}

func TestEmitSetsTimestamp(t *testing.T) {
	bus := NewEventBus()
	var received Event

	bus.Subscribe(func(e Event) {
		received = e
	})

	bus.Emit(Event{Type: EventSet})

	if received.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
}

func TestEmitKeepsTimestamp(t *testing.T) {
	bus := NewEventBus()
	var received Event

	bus.Subscribe(func(e Event) {
		received = e
	})

	stamp := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	bus.Emit(Event{Type: EventSet, Timestamp: stamp})

	if !received.Timestamp.Equal(stamp) {
		t.Errorf("expected caller timestamp %v preserved, got %v", stamp, received.Timestamp)
	}
}

func TestConcurrentEmit(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	count := 0

	bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(Event{Type: EventSet})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 100 {
		t.Errorf("expected 100, got %d", count)
	}
}
