package notify

import (
	"sync"
	"testing"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	var h Hub[int]
	var got []string
	h.Subscribe(func(v int) { got = append(got, "a") })
	h.Subscribe(func(v int) { got = append(got, "b") })

	h.Publish(1)

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("delivery order = %v, want [a b]", got)
	}
}

func TestReleaseDropsOnlyThatSubscription(t *testing.T) {
	var h Hub[string]
	var a, b int
	subA := h.Subscribe(func(string) { a++ })
	h.Subscribe(func(string) { b++ })

	h.Publish("x")
	subA.Release()
	subA.Release()
	h.Publish("y")

	if a != 1 {
		t.Fatalf("released subscriber called %d times, want 1", a)
	}
	if b != 2 {
		t.Fatalf("remaining subscriber called %d times, want 2", b)
	}
	if h.Len() != 1 {
		t.Fatalf("Len = %d, want 1", h.Len())
	}
}

func TestCallbackMayReleaseItself(t *testing.T) {
	var h Hub[int]
	var sub *Subscription
	calls := 0
	sub = h.Subscribe(func(int) {
		calls++
		sub.Release()
	})

	h.Publish(1)
	h.Publish(2)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestNilSubscriptionRelease(t *testing.T) {
	var s *Subscription
	s.Release()
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	var h Hub[int]
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := h.Subscribe(func(int) {})
			sub.Release()
		}()
		go func(i int) {
			defer wg.Done()
			h.Publish(i)
		}(i)
	}
	wg.Wait()
	if h.Len() != 0 {
		t.Fatalf("Len = %d after all releases, want 0", h.Len())
	}
}
