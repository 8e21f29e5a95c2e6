package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is bounded exponential backoff between attempts.
type RetryPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:     5 * time.Second,
		Max:         5 * time.Minute,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before the attempt following the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
