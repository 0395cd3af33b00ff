package event

import (
	"sync"
	"testing"
)

func TestPublish_RegistrationOrder(t *testing.T) {
	b := NewBus[int]("test")
	var got []string

	b.Subscribe(func(v int) { got = append(got, "first") })
	b.Subscribe(func(v int) { got = append(got, "second") })
	b.Subscribe(func(v int) { got = append(got, "third") })

	b.Publish(1)

	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPublish_PanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBus[string]("test")
	delivered := 0

	b.Subscribe(func(string) { delivered++ })
	b.Subscribe(func(string) { panic("boom") })
	b.Subscribe(func(string) { delivered++ })

	b.Publish("x")

	if delivered != 2 {
		t.Fatalf("expected 2 deliveries around the panicking subscriber, got %d", delivered)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus[int]("test")
	calls := 0

	unsub := b.Subscribe(func(int) { calls++ })
	b.Publish(1)
	unsub()
	unsub() // second call is a no-op
	b.Publish(2)

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if b.Len() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Len())
	}
}

func TestZeroValueBus(t *testing.T) {
	var b Bus[int]
	got := 0
	b.Subscribe(func(v int) { got = v })
	b.Publish(7)
	if got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := NewBus[int]("test")
	var mu sync.Mutex
	total := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := b.Subscribe(func(v int) {
				mu.Lock()
				total += v
				mu.Unlock()
			})
			b.Publish(1)
			unsub()
		}()
	}
	wg.Wait()

	if b.Len() != 0 {
		t.Fatalf("expected all subscribers removed, got %d", b.Len())
	}
	if total == 0 {
		t.Fatal("expected at least one delivery")
	}
}
