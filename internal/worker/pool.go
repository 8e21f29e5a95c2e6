package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"MailDispatch/internal/queue"
)

// StartPool runs the queue's consumers with p as the handler. The queue owns
// the fixed number of consumer goroutines; wg is released once all of them
// returned after ctx is cancelled.
func StartPool(
	ctx context.Context,
	wg *sync.WaitGroup,
	q queue.Queue,
	p *Processor,
	logger *zap.Logger,
) {
	wg.Add(1)

	go func() {
		defer wg.Done()

		logger.Info("worker pool started")

		if err := q.Consume(ctx, p.Handle); err != nil {
			logger.Error("worker pool stopped with error", zap.Error(err))
			return
		}

		logger.Info("worker pool shutting down")
	}()
}
