package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"MailDispatch/internal/metrics"
)

// idleWait bounds how long a consumer sleeps when nothing is scheduled.
const idleWait = time.Minute

type MemoryConfig struct {
	Workers int
	// Fairness makes every Nth dequeue take the oldest ready task regardless
	// of priority. Zero disables it.
	Fairness int
	Retry    RetryPolicy
	OnDead   DeadFunc
	Logger   *zap.Logger
}

// Memory is an in-process Queue. Tasks do not survive a restart; the recovery
// sweeper re-enqueues unfinished jobs from the store.
type Memory struct {
	cfg MemoryConfig

	mu       sync.Mutex
	delayed  delayedHeap
	ready    readyHeap
	live     map[string]struct{}
	seq      uint64
	dequeues int
	closed   bool

	wake chan struct{}
	done chan struct{}
	now  func() time.Time
}

func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Memory{
		cfg:  cfg,
		live: make(map[string]struct{}),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		now:  time.Now,
	}
}

func (q *Memory) Enqueue(_ context.Context, task Task, opts ...EnqueueOption) error {
	o := buildOptions(q.cfg.Retry.MaxAttempts, opts)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if o.uniqueKey != "" {
		if _, ok := q.live[o.uniqueKey]; ok {
			return ErrDuplicate
		}
		q.live[o.uniqueKey] = struct{}{}
	}

	q.seq++
	it := &item{
		task:        task,
		seq:         q.seq,
		priority:    o.priority,
		runAt:       o.runAt,
		attempt:     1,
		maxAttempts: o.maxAttempts,
		uniqueKey:   o.uniqueKey,
	}

	if it.runAt.After(q.now()) {
		heap.Push(&q.delayed, it)
	} else {
		heap.Push(&q.ready, it)
	}

	q.signal()
	return nil
}

// Consume runs cfg.Workers consumers and returns once all of them stopped.
// A handler running when ctx is cancelled is allowed to finish.
func (q *Memory) Consume(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup

	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			q.cfg.Logger.Info("queue consumer started", zap.Int("consumer_id", id))

			for {
				it, ok := q.next(ctx)
				if !ok {
					q.cfg.Logger.Info("queue consumer stopped", zap.Int("consumer_id", id))
					return
				}
				q.handle(ctx, h, it)
			}
		}(i)
	}

	wg.Wait()
	return nil
}

// Close stops consumers after their current task. Pending tasks are dropped.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

// Len returns the number of ready and delayed tasks.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len()
}

func (q *Memory) next(ctx context.Context) (*item, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}

		now := q.now()
		q.promote(now)

		if q.ready.Len() > 0 {
			it := q.pop()
			if q.ready.Len() > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return it, true
		}

		wait := idleWait
		if next := q.delayed.Peek(); next != nil {
			wait = next.runAt.Sub(now)
		}
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-q.done:
			timer.Stop()
			return nil, false
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// promote moves every due delayed task to the ready heap.
func (q *Memory) promote(now time.Time) {
	for {
		next := q.delayed.Peek()
		if next == nil || next.runAt.After(now) {
			return
		}
		heap.Push(&q.ready, heap.Pop(&q.delayed))
	}
}

func (q *Memory) pop() *item {
	q.dequeues++
	if q.cfg.Fairness > 0 && q.dequeues%q.cfg.Fairness == 0 {
		return heap.Remove(&q.ready, q.ready.oldest()).(*item)
	}
	return heap.Pop(&q.ready).(*item)
}

func (q *Memory) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Memory) handle(ctx context.Context, h Handler, it *item) {
	d := Delivery{Task: it.task, Attempt: it.attempt, MaxAttempts: it.maxAttempts}

	err := h(ctx, d)
	if err == nil {
		q.release(it)
		return
	}

	log := q.cfg.Logger.With(
		zap.String("job_id", it.task.JobID),
		zap.Int("attempt", it.attempt),
		zap.Int("max_attempts", it.maxAttempts),
		zap.Error(err),
	)

	if IsPermanent(err) || d.Final() {
		q.release(it)
		metrics.TasksDead.Inc()
		log.Error("task dead")
		if q.cfg.OnDead != nil {
			q.cfg.OnDead(ctx, d, err)
		}
		return
	}

	delay := q.cfg.Retry.Delay(it.attempt)
	metrics.TaskRetries.Inc()
	log.Warn("task failed, retrying", zap.Duration("delay", delay))

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		delete(q.live, it.uniqueKey)
		return
	}
	it.attempt++
	it.runAt = q.now().Add(delay)
	heap.Push(&q.delayed, it)
	q.signal()
}

func (q *Memory) release(it *item) {
	if it.uniqueKey == "" {
		return
	}
	q.mu.Lock()
	delete(q.live, it.uniqueKey)
	q.mu.Unlock()
}

var _ Queue = (*Memory)(nil)
