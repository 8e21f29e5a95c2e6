package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"MailDispatch/internal/metrics"
)

const riverKind = "email_job"

// liveStates are the River states in which a task still counts for UniqueKey.
var liveStates = []rivertype.JobState{
	rivertype.JobStateAvailable,
	rivertype.JobStatePending,
	rivertype.JobStateRunning,
	rivertype.JobStateRetryable,
	rivertype.JobStateScheduled,
}

type jobArgs struct {
	JobID string `json:"job_id"`
	// UniqueKey is the only field River compares for UniqueOpts.ByArgs.
	UniqueKey string `json:"unique_key,omitempty" river:"unique"`
}

func (jobArgs) Kind() string { return riverKind }

type RiverConfig struct {
	Workers     int
	Retry       RetryPolicy
	OnDead      DeadFunc
	Logger      *zap.Logger
	StopTimeout time.Duration
	// JobTimeout bounds one handler run. Zero means no limit: a job runs for
	// as long as its recipients and pacing need.
	JobTimeout time.Duration
}

// River is a Postgres-backed Queue. Enqueue works before Consume is called;
// Consume builds the working client.
type River struct {
	pool   *pgxpool.Pool
	cfg    RiverConfig
	client *river.Client[pgx.Tx]
	slog   *slog.Logger
}

// MigrateRiver applies River's own schema.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("queue: river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("queue: river migrate: %w", err)
	}
	return nil
}

func NewRiver(pool *pgxpool.Pool, cfg RiverConfig) (*River, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = -1
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Insert-only client: no Workers, no Queues.
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: create river client: %w", err)
	}

	return &River{pool: pool, cfg: cfg, client: client, slog: logger}, nil
}

func (q *River) Enqueue(ctx context.Context, task Task, opts ...EnqueueOption) error {
	args, insertOpts := q.insertArgs(task, opts)

	res, err := q.client.Insert(ctx, args, insertOpts)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	if res.UniqueSkippedAsDuplicate {
		return ErrDuplicate
	}
	return nil
}

func (q *River) insertArgs(task Task, opts []EnqueueOption) (jobArgs, *river.InsertOpts) {
	o := buildOptions(q.cfg.Retry.MaxAttempts, opts)

	args := jobArgs{JobID: task.JobID}
	insertOpts := &river.InsertOpts{
		Priority:    o.priority,
		MaxAttempts: o.maxAttempts,
	}
	if !o.runAt.IsZero() {
		insertOpts.ScheduledAt = o.runAt
	}
	if o.uniqueKey != "" {
		args.UniqueKey = o.uniqueKey
		insertOpts.UniqueOpts = river.UniqueOpts{
			ByArgs:  true,
			ByState: liveStates,
		}
	}
	return args, insertOpts
}

// Consume starts a working River client and stops it when ctx is done.
// Running handlers see their context cancelled at that point.
func (q *River) Consume(ctx context.Context, h Handler) error {
	workers := river.NewWorkers()
	river.AddWorker(workers, &riverWorker{handler: h, onDead: q.cfg.OnDead, log: q.cfg.Logger})

	client, err := river.NewClient(riverpgxv5.New(q.pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: q.cfg.Workers},
		},
		Workers:     workers,
		RetryPolicy: &retryPolicy{policy: q.cfg.Retry},
		JobTimeout:  q.cfg.JobTimeout,
		Logger:      q.slog,
	})
	if err != nil {
		return fmt.Errorf("queue: create river worker client: %w", err)
	}

	if err := client.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("queue: start river client: %w", err)
	}
	q.cfg.Logger.Info("river consumers started", zap.Int("workers", q.cfg.Workers))

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), q.cfg.StopTimeout)
	defer cancel()

	if err := client.StopAndCancel(stopCtx); err != nil {
		return fmt.Errorf("queue: stop river client: %w", err)
	}
	q.cfg.Logger.Info("river consumers stopped")
	return nil
}

// Close is a no-op; the pool is owned by the store.
func (q *River) Close() error { return nil }

type riverWorker struct {
	river.WorkerDefaults[jobArgs]
	handler Handler
	onDead  DeadFunc
	log     *zap.Logger
}

func (w *riverWorker) Work(ctx context.Context, job *river.Job[jobArgs]) error {
	d := Delivery{
		Task:        Task{JobID: job.Args.JobID},
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
	}

	err := w.handler(ctx, d)
	if err == nil {
		return nil
	}

	log := w.log.With(
		zap.String("job_id", d.Task.JobID),
		zap.Int("attempt", d.Attempt),
		zap.Int("max_attempts", d.MaxAttempts),
		zap.Error(err),
	)

	if IsPermanent(err) || d.Final() {
		metrics.TasksDead.Inc()
		log.Error("task dead")
		if w.onDead != nil {
			w.onDead(ctx, d, err)
		}
		return river.JobCancel(err)
	}

	metrics.TaskRetries.Inc()
	log.Warn("task failed, retrying")
	return err
}

type retryPolicy struct {
	policy RetryPolicy
}

func (p *retryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	return time.Now().Add(p.policy.Delay(job.Attempt))
}

var _ Queue = (*River)(nil)
