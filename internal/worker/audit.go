package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"MailDispatch/internal/metrics"
	"MailDispatch/internal/models"
)

// Event is emitted once per terminal transition reached through processing.
type Event struct {
	JobID       string
	Ref         string
	Status      models.JobStatus
	SentCount   int
	FailedCount int
	TotalCount  int
	Subject     string
	CreatedBy   string
	LastError   string
	At          time.Time
}

func eventFor(job *models.Job) Event {
	subject := job.Subject
	if subject == "" {
		subject = job.TemplateRef
	}

	at := job.UpdatedAt
	switch {
	case job.CompletedAt != nil:
		at = *job.CompletedAt
	case job.FailedAt != nil:
		at = *job.FailedAt
	}

	return Event{
		JobID:       job.ID,
		Ref:         job.Ref,
		Status:      job.Status,
		SentCount:   job.SentCount,
		FailedCount: job.FailedCount,
		TotalCount:  job.TotalCount,
		Subject:     subject,
		CreatedBy:   job.CreatedBy,
		LastError:   job.LastError,
		At:          at,
	}
}

type Auditor interface {
	Emit(ctx context.Context, ev Event)
}

// LogAuditor writes audit events to the structured log and counts them.
type LogAuditor struct {
	Log *zap.Logger
}

func (a *LogAuditor) Emit(_ context.Context, ev Event) {
	metrics.JobsFinished.WithLabelValues(string(ev.Status)).Inc()

	a.Log.Info("job finished",
		zap.String("audit", "email_job"),
		zap.String("job_id", ev.JobID),
		zap.String("ref", ev.Ref),
		zap.String("status", string(ev.Status)),
		zap.Int("sent_count", ev.SentCount),
		zap.Int("failed_count", ev.FailedCount),
		zap.Int("total_count", ev.TotalCount),
		zap.String("subject", ev.Subject),
		zap.String("created_by", ev.CreatedBy),
		zap.String("last_error", ev.LastError),
		zap.Time("at", ev.At),
	)
}
