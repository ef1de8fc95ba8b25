// Package notify provides ordered, individually revocable callback
// subscriptions.
package notify

import "sync"

// Hub delivers values of type T to every live subscriber, synchronously and
// in subscription order. Callers that publish from several goroutines must
// serialize Publish themselves if they need a total order.
type Hub[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(T)
	ids  []uint64
}

// Subscription is the handle returned by Subscribe. Release drops exactly
// that subscription and is safe to call more than once.
type Subscription struct {
	once    sync.Once
	release func()
}

// Release unsubscribes. A nil Subscription is a no-op.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(s.release)
}

// Subscribe registers fn. Values published after Subscribe returns are
// delivered until the subscription is released.
func (h *Hub[T]) Subscribe(fn func(T)) *Subscription {
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[uint64]func(T))
	}
	h.next++
	id := h.next
	h.subs[id] = fn
	h.ids = append(h.ids, id)
	h.mu.Unlock()

	return &Subscription{release: func() { h.remove(id) }}
}

// Publish calls every subscriber with v. The subscriber list is snapshotted
// first, so a callback may release its own subscription.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	fns := make([]func(T), 0, len(h.ids))
	for _, id := range h.ids {
		fns = append(fns, h.subs[id])
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len reports the number of live subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.ids)
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return
	}
	delete(h.subs, id)
	for i, v := range h.ids {
		if v == id {
			h.ids = append(h.ids[:i], h.ids[i+1:]...)
			break
		}
	}
}
