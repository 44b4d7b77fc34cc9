package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := New(Config{Capacity: 1, Workers: 0, MaxAttempts: 1, RetryDelay: time.Millisecond, DefaultTimeout: time.Second})
	block := make(chan struct{})
	err := q.Enqueue(&Task{ID: "a", Run: func(ctx context.Context) error { <-block; return nil }})
	if err != nil {
		t.Fatalf("first enqueue should succeed: %v", err)
	}
	err = q.Enqueue(&Task{ID: "b", Run: func(ctx context.Context) error { return nil }})
	if err == nil {
		t.Fatalf("expected ErrFull once capacity is exhausted")
	}
	var ef ErrFull
	if !errors.As(err, &ef) {
		t.Fatalf("expected ErrFull type, got %T", err)
	}
	close(block)
}

func TestCompletedTaskIncrementsCompletedCounter(t *testing.T) {
	q := New(Config{Capacity: 10, Workers: 2, MaxAttempts: 2, RetryDelay: time.Millisecond, DefaultTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	done := make(chan struct{})
	if err := q.Enqueue(&Task{ID: "ok", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not run in time")
	}
	// give the worker a moment to update the counter after Run returns
	time.Sleep(20 * time.Millisecond)
	snap := q.Snapshot()
	if snap.Completed != 1 {
		t.Fatalf("expected 1 completed task, got %d", snap.Completed)
	}
}

func TestFailedTaskIsRetriedThenDroppedAfterMaxAttempts(t *testing.T) {
	q := New(Config{Capacity: 10, Workers: 1, MaxAttempts: 2, RetryDelay: 5 * time.Millisecond, DefaultTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	var attempts int32
	allDone := make(chan struct{})
	if err := q.Enqueue(&Task{ID: "fail", Run: func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n >= 2 {
			close(allDone)
		}
		return errors.New("boom")
	}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-allDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("task was not retried in time")
	}
	time.Sleep(20 * time.Millisecond)

	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected exactly 2 attempts (1 original + 1 retry), got %d", got)
	}
	snap := q.Snapshot()
	if snap.Dropped != 1 {
		t.Fatalf("expected task to be dropped after exhausting retries, got dropped=%d", snap.Dropped)
	}
	if snap.Failed != 1 {
		t.Fatalf("expected failed counter to increment once, got %d", snap.Failed)
	}
}

func TestRetryPreemptsToFrontOfQueue(t *testing.T) {
	q := New(Config{Capacity: 10, Workers: 1, MaxAttempts: 3, RetryDelay: 5 * time.Millisecond, DefaultTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	var mu sync.Mutex
	var order []string
	var failOnce sync.Once
	firstTaskDone := make(chan struct{})

	if err := q.Enqueue(&Task{ID: "flaky", Run: func(ctx context.Context) error {
		var shouldFail bool
		failOnce.Do(func() { shouldFail = true })
		mu.Lock()
		order = append(order, "flaky")
		mu.Unlock()
		if shouldFail {
			return errors.New("transient")
		}
		close(firstTaskDone)
		return nil
	}}); err != nil {
		t.Fatalf("enqueue flaky: %v", err)
	}

	// give the flaky task time to fail once and schedule its preempted retry
	time.Sleep(2 * time.Millisecond)

	if err := q.Enqueue(&Task{ID: "newer", Run: func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "newer")
		mu.Unlock()
		return nil
	}}); err != nil {
		t.Fatalf("enqueue newer: %v", err)
	}

	select {
	case <-firstTaskDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("flaky task did not complete its retry in time")
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 3 {
		t.Fatalf("expected at least 3 recorded runs, got %v", order)
	}
	// flaky's retry should preempt ahead of "newer" even though "newer" was
	// enqueued first in line for a fresh slot
	lastTwo := order[len(order)-2:]
	if !(lastTwo[0] == "flaky" && lastTwo[1] == "newer") {
		t.Fatalf("expected flaky's retry to run before newer, got order %v", order)
	}
}

func TestStopDrainsInFlightTaskBeforeReturning(t *testing.T) {
	q := New(Config{Capacity: 10, Workers: 1, MaxAttempts: 1, RetryDelay: time.Millisecond, DefaultTimeout: 2 * time.Second})
	ctx := context.Background()
	q.Start(ctx)

	started := make(chan struct{})
	finished := make(chan struct{})
	if err := q.Enqueue(&Task{ID: "slow", Run: func(ctx context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		close(finished)
		return nil
	}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	<-started
	q.Stop()
	select {
	case <-finished:
	default:
		t.Fatalf("expected Stop() to wait for the in-flight task to finish")
	}
}
