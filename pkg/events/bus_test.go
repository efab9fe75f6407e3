package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_ExactDelivery(t *testing.T) {
	b := NewBus()
	var got []string
	b.Subscribe(TypeDone, func(ev Event) {
		got = append(got, ev.Type)
	})

	b.Emit(Event{Type: TypeDone})
	b.Emit(Event{Type: TypeError})

	assert.Equal(t, []string{TypeDone}, got)
}

func TestBus_DeliveryOrder(t *testing.T) {
	// Within a single Emit: exact, then wildcard, then pattern, then parent.
	parent := NewBus()
	child := parent.Child("node-1")

	var order []string
	child.Subscribe(TypeToolCallStart, func(Event) { order = append(order, "exact") })
	child.SubscribeAll(func(Event) { order = append(order, "all") })
	child.SubscribePattern("tool_call_*", func(Event) { order = append(order, "pattern") })
	parent.SubscribeAll(func(Event) { order = append(order, "parent") })

	child.Emit(Event{Type: TypeToolCallStart})

	assert.Equal(t, []string{"exact", "all", "pattern", "parent"}, order)
}

func TestBus_PatternMatching(t *testing.T) {
	b := NewBus()
	var hits int
	b.SubscribePattern("tool_call_*", func(Event) { hits++ })

	b.Emit(Event{Type: TypeToolCallStart})
	b.Emit(Event{Type: TypeToolCallDelta})
	b.Emit(Event{Type: TypeToolCallEnd})
	b.Emit(Event{Type: TypeStepStart})

	if hits != 3 {
		t.Errorf("pattern hits = %d, want 3", hits)
	}
}

func TestBus_ChildStampsNodeID(t *testing.T) {
	root := NewBus()
	child := root.Child("node-42")

	var seen Event
	root.SubscribeAll(func(ev Event) { seen = ev })

	child.Emit(Event{Type: TypeStepStart})

	if seen.NodeID != "node-42" {
		t.Errorf("NodeID = %q, want node-42", seen.NodeID)
	}
	if seen.Time.IsZero() {
		t.Error("expected Emit to stamp a timestamp")
	}
}

func TestBus_HandlerPanicDoesNotAbortOthers(t *testing.T) {
	b := NewBus()
	var delivered bool
	b.Subscribe(TypeError, func(Event) { panic("bad handler") })
	b.Subscribe(TypeError, func(Event) { delivered = true })

	b.Emit(Event{Type: TypeError})

	if !delivered {
		t.Error("expected second handler to run after first panicked")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	var hits int
	id := b.Subscribe(TypeDone, func(Event) { hits++ })

	b.Emit(Event{Type: TypeDone})
	b.Unsubscribe(id)
	b.Emit(Event{Type: TypeDone})

	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}

	// Unknown ids are ignored.
	b.Unsubscribe(HandlerID("nope"))
}

func TestBus_UnsubscribePattern(t *testing.T) {
	b := NewBus()
	var hits int
	id := b.SubscribePattern("step_*", func(Event) { hits++ })
	b.Emit(Event{Type: TypeStepStart})
	b.Unsubscribe(id)
	b.Emit(Event{Type: TypeStepEnd})

	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}

func TestBus_ConcurrentEmit(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	count := 0
	b.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Emit(Event{Type: TypeTextDelta})
			}
		}()
	}
	wg.Wait()

	if count != 1000 {
		t.Errorf("count = %d, want 1000", count)
	}
}

func TestBus_ReentrantHandler(t *testing.T) {
	b := NewBus()
	var sawDone bool
	b.Subscribe(TypeStepEnd, func(Event) {
		b.Emit(Event{Type: TypeDone})
	})
	b.Subscribe(TypeDone, func(Event) { sawDone = true })

	b.Emit(Event{Type: TypeStepEnd})

	if !sawDone {
		t.Error("expected re-entrant emit to deliver")
	}
}
