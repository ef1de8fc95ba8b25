package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitAndDrain(t *testing.T) {
	p := New(2, 10)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		ok := p.Submit(func(context.Context) {
			count.Add(1)
		})
		if !ok {
			t.Fatalf("Submit %d failed", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestSubmitAfterShutdownReturnsFalse(t *testing.T) {
	p := New(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if p.Submit(func(context.Context) {}) {
		t.Fatal("Submit after Shutdown should return false")
	}
}

func TestQueueFullReturnsFalse(t *testing.T) {
	p := New(1, 1)
	// Block the worker
	blocker := make(chan struct{})
	p.Submit(func(context.Context) { <-blocker })

	// Fill the queue
	time.Sleep(10 * time.Millisecond)  // let worker pick up first task
	p.Submit(func(context.Context) {}) // fills the queue (size 1)

	// This should fail, queue is full
	if p.Submit(func(context.Context) {}) {
		t.Fatal("Submit should return false when queue is full")
	}

	close(blocker)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)
}

func TestDrainWithoutStopAcceptingAutoStops(t *testing.T) {
	p := New(1, 10)
	p.Submit(func(context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Call Drain directly without StopAccepting; it should auto-stop
	p.Drain(ctx)

	if p.Submit(func(context.Context) {}) {
		t.Fatal("Submit should return false after auto-stopped Drain")
	}
}

func TestContextCancelledAfterDrain(t *testing.T) {
	p := New(1, 10)
	p.Submit(func(context.Context) {})

	poolCtx := p.Context()
	if poolCtx.Err() != nil {
		t.Fatal("pool context should not be cancelled before Drain")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if poolCtx.Err() == nil {
		t.Fatal("pool context should be cancelled after Drain")
	}
}

func TestDrainRespectsContextDeadline(t *testing.T) {
	p := New(1, 10)
	blocker := make(chan struct{})
	p.Submit(func(context.Context) { <-blocker })

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Shutdown(ctx)
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Fatalf("Drain should have timed out in ~100ms, took %v", elapsed)
	}

	close(blocker) // cleanup
}

func TestSingleWorkerDrainDoesNotDeadlock(t *testing.T) {
	p := New(1, 10)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		p.Submit(func(context.Context) {
			time.Sleep(1 * time.Millisecond)
			count.Add(1)
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if got := count.Load(); got != 5 {
		t.Fatalf("single-worker drain: count = %d, want 5", got)
	}
}

func TestPanicRecovery(t *testing.T) {
	p := New(1, 10)
	var count atomic.Int32

	// Submit a panicking task
	p.Submit(func(context.Context) {
		panic("test panic")
	})
	// Submit a normal task after
	p.Submit(func(context.Context) {
		count.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if got := count.Load(); got != 1 {
		t.Fatalf("task after panic: count = %d, want 1", got)
	}
}

func TestTaskContextCancelledByDrainTimeout(t *testing.T) {
	p := New(1, 1)
	aborted := make(chan struct{})
	p.Submit(func(ctx context.Context) {
		<-ctx.Done()
		close(aborted)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p.Shutdown(ctx)

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("running task should observe pool context cancellation")
	}
}

func TestPendingCountsQueuedAndRunning(t *testing.T) {
	p := New(1, 4)
	blocker := make(chan struct{})
	p.Submit(func(context.Context) { <-blocker })
	p.Submit(func(context.Context) {})

	if got := p.Pending(); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}
	close(blocker)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)
	if got := p.Pending(); got != 0 {
		t.Fatalf("Pending after shutdown = %d, want 0", got)
	}
}
