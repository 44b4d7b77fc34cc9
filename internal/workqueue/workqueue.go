// Package workqueue is the bounded, fixed-concurrency task queue that
// decouples relay ingestion from AI generation latency (SPEC_FULL.md §4.3).
// A failed task is preempted back to the front of the queue, rather than
// appended to the back, until it has run Config.MaxAttempts times (default
// 3, i.e. up to 2 retries), so a transient failure
// doesn't strand a user behind a long backlog of newer requests. Grounded
// on the job-queue shape found in the retrieval pack's zJUNAIDz worker-pool
// example, generalized to per-task timeouts and retry preemption, using
// cenkalti/backoff/v4 for the delay between a task's attempts.
package workqueue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"zapgate.dev/internal/log"
)

// Task is one unit of work submitted to the queue.
type Task struct {
	ID         string
	UserKey    string
	Timeout    time.Duration
	Run        func(ctx context.Context) error
	attempts   int
	enqueuedAt time.Time
}

// Config shapes the queue.
type Config struct {
	Capacity      int           // max tasks waiting (queued, not in-flight)
	Workers       int           // fixed worker concurrency
	MaxAttempts   int           // attempts before a task is dropped
	RetryDelay    time.Duration // base delay before a preempted retry runs
	DefaultTimeout time.Duration
}

// DefaultConfig matches SPEC_FULL.md §4.3's stated defaults.
var DefaultConfig = Config{
	Capacity:       10000,
	Workers:        10,
	MaxAttempts:    3,
	RetryDelay:     2 * time.Second,
	DefaultTimeout: 60 * time.Second,
}

// Stats is a point-in-time snapshot for status surfacing.
type Stats struct {
	Queued    int
	InFlight  int
	Completed int64
	Failed    int64
	Dropped   int64
}

// Q is the bounded work queue.
type Q struct {
	cfg Config

	mu       sync.Mutex
	queue    *list.List
	notEmpty chan struct{}

	inFlight int
	completed int64
	failed    int64
	dropped   int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a queue from cfg.
func New(cfg Config) *Q {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig.Capacity
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig.DefaultTimeout
	}
	return &Q{
		cfg:      cfg,
		queue:    list.New(),
		notEmpty: make(chan struct{}, 1),
	}
}

// Start launches cfg.Workers worker goroutines bound to ctx.
func (q *Q) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Stop cancels all workers and waits for them to drain their current task.
func (q *Q) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// ErrFull is returned by Enqueue when the queue is at capacity.
type ErrFull struct{ Capacity int }

func (e ErrFull) Error() string { return "workqueue: full" }

// Enqueue appends t to the back of the queue. Returns ErrFull if the queue
// is at capacity — the Dispatcher turns this into a one-shot overload
// notice back to the sender rather than blocking.
func (q *Q) Enqueue(t *Task) error {
	if t.Timeout <= 0 {
		t.Timeout = q.cfg.DefaultTimeout
	}
	q.mu.Lock()
	if q.queue.Len() >= q.cfg.Capacity {
		q.mu.Unlock()
		return ErrFull{Capacity: q.cfg.Capacity}
	}
	t.enqueuedAt = time.Now()
	q.queue.PushBack(t)
	q.mu.Unlock()
	q.signal()
	return nil
}

// preempt pushes t back onto the FRONT of the queue, ahead of anything
// queued after it arrived — a retry jumps the line instead of queueing
// behind newer work.
func (q *Q) preempt(t *Task) {
	q.mu.Lock()
	q.queue.PushFront(t)
	q.mu.Unlock()
	q.signal()
}

func (q *Q) signal() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

func (q *Q) pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.queue.Front()
	if front == nil {
		return nil
	}
	q.queue.Remove(front)
	return front.Value.(*Task)
}

func (q *Q) worker(ctx context.Context, idx int) {
	defer q.wg.Done()
	for {
		t := q.pop()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.notEmpty:
				continue
			}
		}
		q.run(ctx, t)
	}
}

func (q *Q) run(ctx context.Context, t *Task) {
	q.mu.Lock()
	q.inFlight++
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()
	}()

	t.attempts++
	taskCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	err := t.Run(taskCtx)
	cancel()

	if err == nil {
		q.mu.Lock()
		q.completed++
		q.mu.Unlock()
		return
	}

	log.D.F("task %s attempt %d failed: %v", t.ID, t.attempts, err)
	if t.attempts >= q.cfg.MaxAttempts {
		q.mu.Lock()
		q.failed++
		q.dropped++
		q.mu.Unlock()
		return
	}

	delay := backoff.NewExponentialBackOff()
	delay.InitialInterval = q.cfg.RetryDelay
	delay.MaxElapsedTime = 0
	wait := delay.NextBackOff()
	// the worker keeps its slot while waiting, so work enqueued during the
	// delay cannot start on this worker ahead of the retry
	select {
	case <-time.After(wait):
		q.preempt(t)
	case <-ctx.Done():
	}
}

// Snapshot reports current counters for status surfacing.
func (q *Q) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:    q.queue.Len(),
		InFlight:  q.inFlight,
		Completed: q.completed,
		Failed:    q.failed,
		Dropped:   q.dropped,
	}
}
