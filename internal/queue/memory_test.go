package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestMemory(t *testing.T, cfg MemoryConfig) *Memory {
	t.Helper()

	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = RetryPolicy{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3}
	}
	cfg.Logger = zaptest.NewLogger(t)

	q := NewMemory(cfg)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// consume runs Consume in the background and returns a stop func that
// waits for it to return.
func consume(t *testing.T, q *Memory, h Handler) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, q.Consume(ctx, h))
	}()

	return func() {
		cancel()
		<-done
	}
}

type recorder struct {
	mu   sync.Mutex
	seen []Delivery
}

func (r *recorder) add(d Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, d)
}

func (r *recorder) jobIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.seen))
	for i, d := range r.seen {
		ids[i] = d.Task.JobID
	}
	return ids
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestMemory_PriorityOrder(t *testing.T) {
	t.Parallel()

	q := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{JobID: "low"}, WithPriority(4)))
	require.NoError(t, q.Enqueue(ctx, Task{JobID: "high"}, WithPriority(1)))
	require.NoError(t, q.Enqueue(ctx, Task{JobID: "default"}))
	require.NoError(t, q.Enqueue(ctx, Task{JobID: "high-2"}, WithPriority(1)))

	rec := &recorder{}
	stop := consume(t, q, func(_ context.Context, d Delivery) error {
		rec.add(d)
		return nil
	})
	defer stop()

	require.Eventually(t, func() bool { return rec.len() == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"high", "high-2", "default", "low"}, rec.jobIDs())
}

func TestMemory_FairnessTakesOldest(t *testing.T) {
	t.Parallel()

	q := newTestMemory(t, MemoryConfig{Fairness: 2})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{JobID: "low"}, WithPriority(4)))
	for _, id := range []string{"h1", "h2", "h3"} {
		require.NoError(t, q.Enqueue(ctx, Task{JobID: id}, WithPriority(1)))
	}

	rec := &recorder{}
	stop := consume(t, q, func(_ context.Context, d Delivery) error {
		rec.add(d)
		return nil
	})
	defer stop()

	require.Eventually(t, func() bool { return rec.len() == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"h1", "low", "h2", "h3"}, rec.jobIDs())
}

func TestMemory_ScheduledTaskWaits(t *testing.T) {
	t.Parallel()

	q := newTestMemory(t, MemoryConfig{Workers: 3})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{JobID: "later"}, ScheduledIn(time.Hour)))
	require.NoError(t, q.Enqueue(ctx, Task{JobID: "soon"}, ScheduledIn(20*time.Millisecond)))

	rec := &recorder{}
	stop := consume(t, q, func(_ context.Context, d Delivery) error {
		rec.add(d)
		return nil
	})

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stop()

	assert.Equal(t, []string{"soon"}, rec.jobIDs())
	assert.Equal(t, 1, q.Len())
}

func TestMemory_RetryThenDead(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		dead []Delivery
	)
	q := newTestMemory(t, MemoryConfig{
		OnDead: func(_ context.Context, d Delivery, err error) {
			mu.Lock()
			defer mu.Unlock()
			dead = append(dead, d)
		},
	})

	require.NoError(t, q.Enqueue(context.Background(), Task{JobID: "j1"}, UniqueKey("j1")))

	rec := &recorder{}
	stop := consume(t, q, func(_ context.Context, d Delivery) error {
		rec.add(d)
		return errors.New("store unavailable")
	})
	defer stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dead) == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, 3, rec.len())
	for i, d := range rec.seen {
		assert.Equal(t, i+1, d.Attempt)
		assert.Equal(t, 3, d.MaxAttempts)
	}
	assert.True(t, dead[0].Final())

	// The unique key is released once the task is dead.
	require.NoError(t, q.Enqueue(context.Background(), Task{JobID: "j1"}, UniqueKey("j1"), ScheduledIn(time.Hour)))
}

func TestMemory_PermanentSkipsRetries(t *testing.T) {
	t.Parallel()

	deadCh := make(chan error, 1)
	q := newTestMemory(t, MemoryConfig{
		OnDead: func(_ context.Context, _ Delivery, err error) { deadCh <- err },
	})
	require.NoError(t, q.Enqueue(context.Background(), Task{JobID: "j1"}))

	rec := &recorder{}
	stop := consume(t, q, func(_ context.Context, d Delivery) error {
		rec.add(d)
		return Permanent(errors.New("job not found"))
	})
	defer stop()

	select {
	case err := <-deadCh:
		assert.True(t, IsPermanent(err))
	case <-time.After(time.Second):
		t.Fatal("task never went dead")
	}
	assert.Equal(t, 1, rec.len())
}

func TestMemory_UniqueKey(t *testing.T) {
	t.Parallel()

	q := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{JobID: "j1"}, UniqueKey("j1")))
	require.ErrorIs(t, q.Enqueue(ctx, Task{JobID: "j1"}, UniqueKey("j1")), ErrDuplicate)
	require.NoError(t, q.Enqueue(ctx, Task{JobID: "j2"}, UniqueKey("j2")))

	rec := &recorder{}
	stop := consume(t, q, func(_ context.Context, d Delivery) error {
		rec.add(d)
		return nil
	})
	defer stop()

	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return q.Enqueue(ctx, Task{JobID: "j1"}, UniqueKey("j1")) == nil
	}, time.Second, time.Millisecond)
}

func TestMemory_ClosedRejectsEnqueue(t *testing.T) {
	t.Parallel()

	q := newTestMemory(t, MemoryConfig{})
	require.NoError(t, q.Close())
	require.ErrorIs(t, q.Enqueue(context.Background(), Task{JobID: "j1"}), ErrClosed)
	require.NoError(t, q.Consume(context.Background(), func(context.Context, Delivery) error { return nil }))
}

func TestRetryPolicy_Delay(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{Initial: 100 * time.Millisecond, Max: time.Second, MaxAttempts: 10}

	first := p.Delay(1)
	assert.InDelta(t, float64(100*time.Millisecond), float64(first), float64(50*time.Millisecond))

	for attempt := 1; attempt <= 10; attempt++ {
		assert.LessOrEqual(t, p.Delay(attempt), time.Duration(1.5*float64(time.Second)))
	}
	assert.Greater(t, p.Delay(5), first)
}
