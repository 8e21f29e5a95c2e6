package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper re-enqueues unfinished jobs at startup and on a cron schedule, so
// jobs whose task was lost (in-process queue, crash, failed enqueue) resume.
type Sweeper struct {
	svc     *Service
	cron    *cron.Cron
	log     *zap.Logger
	timeout time.Duration
}

func NewSweeper(svc *Service, schedule string, log *zap.Logger) (*Sweeper, error) {
	s := &Sweeper{
		svc:     svc,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:     log,
		timeout: time.Minute,
	}

	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("dispatch: invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start sweeps once and then runs on the schedule.
func (s *Sweeper) Start(ctx context.Context) {
	s.Sweep(ctx)
	s.cron.Start()
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.svc.Recover(ctx)
	if err != nil {
		s.log.Error("recovery sweep failed", zap.Int("enqueued", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("recovery sweep re-enqueued jobs", zap.Int("enqueued", n))
	}
}
