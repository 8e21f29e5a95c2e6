// Package queue hands email job ids to workers. It is at-least-once: a task
// whose handler fails is retried with backoff until its attempts run out.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed = errors.New("queue: closed")

	// ErrDuplicate is returned by Enqueue when a live task already holds the
	// unique key. Callers treat it as success.
	ErrDuplicate = errors.New("queue: duplicate unique key")
)

const (
	PriorityHighest = 1
	PriorityDefault = 2
	PriorityLowest  = 4
)

// Task is the unit of work: one email job.
type Task struct {
	JobID string `json:"job_id"`
}

// Delivery is one hand-out of a task to a handler.
type Delivery struct {
	Task        Task
	Attempt     int
	MaxAttempts int
}

// Final reports whether a failure now would exhaust the task.
func (d Delivery) Final() bool {
	return d.Attempt >= d.MaxAttempts
}

// Handler processes one delivery. A nil return acknowledges the task.
type Handler func(ctx context.Context, d Delivery) error

// DeadFunc is called once for a task that will not be retried again.
type DeadFunc func(ctx context.Context, d Delivery, err error)

type Queue interface {
	Enqueue(ctx context.Context, task Task, opts ...EnqueueOption) error
	// Consume blocks, running handlers until ctx is done or the queue is closed.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type enqueueOptions struct {
	runAt       time.Time
	priority    int
	maxAttempts int
	uniqueKey   string
}

type EnqueueOption func(*enqueueOptions)

// ScheduledAt holds the task until t.
func ScheduledAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.runAt = t
	}
}

func ScheduledIn(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.runAt = time.Now().Add(d)
	}
}

// WithPriority sets the priority, 1 (highest) to 4. Out of range values are clamped.
func WithPriority(p int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = min(max(p, PriorityHighest), PriorityLowest)
	}
}

func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// UniqueKey rejects the task with ErrDuplicate while another live task holds key.
func UniqueKey(key string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.uniqueKey = key
	}
}

func buildOptions(defaultAttempts int, opts []EnqueueOption) enqueueOptions {
	o := enqueueOptions{
		priority:    PriorityDefault,
		maxAttempts: defaultAttempts,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
