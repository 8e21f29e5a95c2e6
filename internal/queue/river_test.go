package queue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRiver_InsertArgs(t *testing.T) {
	t.Parallel()

	q := &River{cfg: RiverConfig{Retry: RetryPolicy{MaxAttempts: 5}}}

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		args, opts := q.insertArgs(Task{JobID: "j1"}, nil)
		assert.Equal(t, "j1", args.JobID)
		assert.Empty(t, args.UniqueKey)
		assert.Equal(t, PriorityDefault, opts.Priority)
		assert.Equal(t, 5, opts.MaxAttempts)
		assert.True(t, opts.ScheduledAt.IsZero())
		assert.False(t, opts.UniqueOpts.ByArgs)
	})

	t.Run("with schedule", func(t *testing.T) {
		t.Parallel()

		at := time.Now().Add(time.Hour)
		_, opts := q.insertArgs(Task{JobID: "j1"}, []EnqueueOption{ScheduledAt(at)})
		assert.Equal(t, at, opts.ScheduledAt)
	})

	t.Run("with priority and attempts", func(t *testing.T) {
		t.Parallel()

		_, opts := q.insertArgs(Task{JobID: "j1"}, []EnqueueOption{WithPriority(9), WithMaxAttempts(2)})
		assert.Equal(t, PriorityLowest, opts.Priority)
		assert.Equal(t, 2, opts.MaxAttempts)
	})

	t.Run("with unique key", func(t *testing.T) {
		t.Parallel()

		args, opts := q.insertArgs(Task{JobID: "j1"}, []EnqueueOption{UniqueKey("key-1")})
		assert.Equal(t, "key-1", args.UniqueKey)
		assert.True(t, opts.UniqueOpts.ByArgs)
		assert.ElementsMatch(t, liveStates, opts.UniqueOpts.ByState)
		assert.NotContains(t, opts.UniqueOpts.ByState, rivertype.JobStateCompleted)
	})
}

func riverJob(attempt, maxAttempts int) *river.Job[jobArgs] {
	return &river.Job[jobArgs]{
		JobRow: &rivertype.JobRow{Attempt: attempt, MaxAttempts: maxAttempts},
		Args:   jobArgs{JobID: "j1"},
	}
}

func TestRiverWorker_Work(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")

	tests := []struct {
		name       string
		attempt    int
		err        error
		wantErr    bool
		wantCancel bool
		wantDead   bool
	}{
		{name: "success", attempt: 1},
		{name: "retryable failure", attempt: 1, err: errBoom, wantErr: true},
		{name: "permanent failure", attempt: 1, err: Permanent(errBoom), wantErr: true, wantCancel: true, wantDead: true},
		{name: "final attempt", attempt: 3, err: errBoom, wantErr: true, wantCancel: true, wantDead: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var (
				got  Delivery
				dead []Delivery
			)
			w := &riverWorker{
				handler: func(_ context.Context, d Delivery) error {
					got = d
					return tt.err
				},
				onDead: func(_ context.Context, d Delivery, err error) {
					assert.ErrorIs(t, err, errBoom)
					dead = append(dead, d)
				},
				log: zaptest.NewLogger(t),
			}

			err := w.Work(context.Background(), riverJob(tt.attempt, 3))

			assert.Equal(t, Delivery{Task: Task{JobID: "j1"}, Attempt: tt.attempt, MaxAttempts: 3}, got)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Empty(t, dead)
				return
			}

			require.ErrorIs(t, err, errBoom)
			var cancelErr *river.JobCancelError
			assert.Equal(t, tt.wantCancel, errors.As(err, &cancelErr))
			assert.Equal(t, tt.wantDead, len(dead) == 1)
		})
	}
}

func TestRetryPolicy_NextRetry(t *testing.T) {
	t.Parallel()

	p := &retryPolicy{policy: RetryPolicy{Initial: time.Second, Max: 10 * time.Second, MaxAttempts: 5}}

	before := time.Now()
	next := p.NextRetry(&rivertype.JobRow{Attempt: 1})

	assert.WithinRange(t, next, before.Add(500*time.Millisecond), time.Now().Add(1500*time.Millisecond))

	late := p.NextRetry(&rivertype.JobRow{Attempt: 20})
	assert.True(t, late.Before(time.Now().Add(15*time.Second)))
}

func TestRiver_Integration(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	t.Parallel()

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, MigrateRiver(ctx, pool))

	q, err := NewRiver(pool, RiverConfig{
		Workers: 2,
		Retry:   RetryPolicy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 3},
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	nowID, laterID := uuid.NewString(), uuid.NewString()
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(),
			`DELETE FROM river_job WHERE args->>'job_id' = ANY($1)`, []string{nowID, laterID})
	})

	require.NoError(t, q.Enqueue(ctx, Task{JobID: nowID}, UniqueKey(nowID)))
	require.ErrorIs(t, q.Enqueue(ctx, Task{JobID: nowID}, UniqueKey(nowID)), ErrDuplicate)
	require.NoError(t, q.Enqueue(ctx, Task{JobID: laterID}, UniqueKey(laterID), ScheduledIn(time.Hour)))

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, q.Consume(runCtx, func(_ context.Context, d Delivery) error {
			mu.Lock()
			defer mu.Unlock()
			seen[d.Task.JobID]++
			return nil
		}))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	count := func(id string) int {
		mu.Lock()
		defer mu.Unlock()
		return seen[id]
	}

	require.Eventually(t, func() bool { return count(nowID) == 1 }, 10*time.Second, 20*time.Millisecond)

	// A completed task no longer holds its key.
	require.Eventually(t, func() bool {
		return q.Enqueue(ctx, Task{JobID: nowID}, UniqueKey(nowID)) == nil
	}, 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return count(nowID) == 2 }, 10*time.Second, 20*time.Millisecond)

	assert.Zero(t, count(laterID))
	require.ErrorIs(t, q.Enqueue(ctx, Task{JobID: laterID}, UniqueKey(laterID)), ErrDuplicate)
}
