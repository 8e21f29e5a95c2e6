package db

import (
	"context"
	"errors"
	"time"

	"MailDispatch/internal/models"
)

var (
	ErrNotFound         = errors.New("db: not found")
	ErrDuplicate        = errors.New("db: duplicate key")
	ErrNotCancellable   = errors.New("db: job is not cancellable in its current status")
	ErrAlreadyTerminal  = errors.New("db: job already reached a terminal status")
	ErrTemplateInUse    = errors.New("db: template is referenced by an unfinished job")
	ErrInvalidCounters  = errors.New("db: sent and failed counts exceed the recipient total")
	ErrNotTerminalState = errors.New("db: status is not terminal")
	ErrNotDispatched    = errors.New("db: delivery was never accepted by the provider")
)

// Store is the persistence backend for jobs, delivery logs and user templates.
// It enforces referential integrity only; business rules live with the callers.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// ClaimJob moves a queued or scheduled job to processing and stamps
	// started_at. Jobs in any other status are returned unchanged.
	ClaimJob(ctx context.Context, id string, at time.Time) (*models.Job, error)
	CancelJob(ctx context.Context, id string, at time.Time) (*models.Job, error)
	SetCounters(ctx context.Context, id string, sent, failed int) error
	RecordJobError(ctx context.Context, id, msg string) error

	// FinishJob performs the single terminal transition of a job. A second call
	// returns ErrAlreadyTerminal.
	FinishJob(ctx context.Context, id string, status models.JobStatus, msg string, at time.Time) (*models.Job, error)
	ListUnfinishedJobs(ctx context.Context) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id string) error

	// UpsertLog writes the log row for (JobID, RecipientID). An existing row is
	// overwritten and its retry count incremented.
	UpsertLog(ctx context.Context, log *models.DeliveryLog) (*models.DeliveryLog, error)
	ListLogs(ctx context.Context, jobID string) ([]*models.DeliveryLog, error)
	// UpdateLogByMessageID applies a provider callback. Rows that were never
	// sent return ErrNotDispatched; callbacks that would not advance the row
	// are ignored.
	UpdateLogByMessageID(ctx context.Context, messageID string, status models.DeliveryStatus) error

	GetUserTemplate(ctx context.Context, name string) (*models.UserTemplate, error)
	CreateUserTemplate(ctx context.Context, tmpl *models.UserTemplate) error
	UpdateUserTemplate(ctx context.Context, tmpl *models.UserTemplate) error
	DeleteUserTemplate(ctx context.Context, name string) error

	Ping(ctx context.Context) error
	Close()
}

func unfinishedStatuses() []string {
	return []string{
		string(models.JobQueued),
		string(models.JobScheduled),
		string(models.JobProcessing),
	}
}
