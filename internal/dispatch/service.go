// Package dispatch is the submission side: it validates and persists jobs,
// hands them to the queue, and guards template writes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"MailDispatch/internal/db"
	"MailDispatch/internal/metrics"
	"MailDispatch/internal/models"
	"MailDispatch/internal/queue"
	"MailDispatch/internal/templates"
)

var (
	ErrInvalidJob      = errors.New("dispatch: invalid job")
	ErrInvalidCallback = errors.New("dispatch: invalid callback")
)

const refAttempts = 3

// Templates is what the service needs from the renderer.
type Templates interface {
	Exists(ctx context.Context, ref string) error
	Inline(subject, html, text string) (templates.Template, error)
	CreateUserTemplate(ctx context.Context, tmpl *models.UserTemplate) error
	UpdateUserTemplate(ctx context.Context, tmpl *models.UserTemplate) error
	DeleteUserTemplate(ctx context.Context, name string) error
}

type CreateJobRequest struct {
	TemplateRef  string             `json:"template_ref"`
	Subject      string             `json:"subject"`
	HTML         string             `json:"html"`
	Text         string             `json:"text"`
	Data         map[string]any     `json:"data"`
	Recipients   []models.Recipient `json:"recipients"`
	ScheduledFor *time.Time         `json:"scheduled_for"`
	Priority     int                `json:"priority"`
	CreatedBy    string             `json:"created_by"`
}

type Service struct {
	store     db.Store
	templates Templates
	queue     queue.Queue
	log       *zap.Logger
	now       func() time.Time
}

func NewService(store db.Store, tmpl Templates, q queue.Queue, log *zap.Logger) *Service {
	return &Service{
		store:     store,
		templates: tmpl,
		queue:     q,
		log:       log,
		now:       time.Now,
	}
}

// CreateJob validates and persists a job, then enqueues it. The job is durable
// once this returns; if the enqueue itself fails the sweeper picks it up.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	recipients, err := normalizeRecipients(req.Recipients)
	if err != nil {
		return nil, err
	}

	if err := s.checkContent(ctx, &req); err != nil {
		return nil, err
	}

	now := s.now()
	job := &models.Job{
		ID:          uuid.NewString(),
		TemplateRef: strings.TrimSpace(req.TemplateRef),
		Subject:     req.Subject,
		HTML:        req.HTML,
		Text:        req.Text,
		Data:        req.Data,
		Recipients:  recipients,
		Status:      models.JobQueued,
		Priority:    clampPriority(req.Priority),
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
	}
	if req.ScheduledFor != nil && req.ScheduledFor.After(now) {
		at := req.ScheduledFor.UTC()
		job.ScheduledFor = &at
		job.Status = models.JobScheduled
	}

	for i := 0; ; i++ {
		job.Ref = newRef()
		err = s.store.CreateJob(ctx, job)
		if err == nil || !errors.Is(err, db.ErrDuplicate) || i == refAttempts-1 {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: create job: %w", err)
	}

	log := s.log.With(zap.String("job_id", job.ID), zap.String("ref", job.Ref))
	if err := s.enqueue(ctx, job); err != nil {
		log.Error("enqueue failed, job left for the sweeper", zap.Error(err))
	} else {
		log.Info("job accepted",
			zap.Int("recipients", job.TotalCount),
			zap.String("status", string(job.Status)),
		)
	}

	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) ListLogs(ctx context.Context, id string) ([]*models.DeliveryLog, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, id)
}

// CancelJob cancels a job that no worker has claimed yet.
func (s *Service) CancelJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.store.CancelJob(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	s.log.Info("job cancelled", zap.String("job_id", id))
	return job, nil
}

func (s *Service) CreateTemplate(ctx context.Context, tmpl *models.UserTemplate) error {
	return s.templates.CreateUserTemplate(ctx, tmpl)
}

func (s *Service) UpdateTemplate(ctx context.Context, tmpl *models.UserTemplate) error {
	return s.templates.UpdateUserTemplate(ctx, tmpl)
}

func (s *Service) DeleteTemplate(ctx context.Context, name string) error {
	return s.templates.DeleteUserTemplate(ctx, name)
}

// HandleCallback applies a provider delivery notification to its log row.
func (s *Service) HandleCallback(ctx context.Context, messageID string, status models.DeliveryStatus) error {
	if strings.TrimSpace(messageID) == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidCallback)
	}
	if !status.CallbackStatus() {
		return fmt.Errorf("%w: status %q", ErrInvalidCallback, status)
	}

	if err := s.store.UpdateLogByMessageID(ctx, messageID, status); err != nil {
		return err
	}
	metrics.CallbacksReceived.WithLabelValues(string(status)).Inc()
	return nil
}

// Recover re-enqueues every unfinished job. Jobs that still have a live task
// are skipped by the queue's unique key.
func (s *Service) Recover(ctx context.Context) (int, error) {
	jobs, err := s.store.ListUnfinishedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("dispatch: list unfinished jobs: %w", err)
	}

	enqueued := 0
	for _, job := range jobs {
		err := s.enqueue(ctx, job)
		switch {
		case err == nil:
			enqueued++
		case errors.Is(err, queue.ErrDuplicate):
		default:
			return enqueued, fmt.Errorf("dispatch: re-enqueue %s: %w", job.ID, err)
		}
	}
	return enqueued, nil
}

func (s *Service) enqueue(ctx context.Context, job *models.Job) error {
	opts := []queue.EnqueueOption{
		queue.UniqueKey(job.ID),
		queue.WithPriority(job.Priority),
	}
	if job.Status == models.JobScheduled && job.ScheduledFor != nil {
		opts = append(opts, queue.ScheduledAt(*job.ScheduledFor))
	}
	return s.queue.Enqueue(ctx, queue.Task{JobID: job.ID}, opts...)
}

func (s *Service) checkContent(ctx context.Context, req *CreateJobRequest) error {
	ref := strings.TrimSpace(req.TemplateRef)
	inline := req.Subject != "" || req.HTML != "" || req.Text != ""

	switch {
	case ref != "" && inline:
		return fmt.Errorf("%w: template_ref and inline content are mutually exclusive", ErrInvalidJob)
	case ref == "" && !inline:
		return fmt.Errorf("%w: template_ref or inline content is required", ErrInvalidJob)
	case ref != "":
		return s.templates.Exists(ctx, ref)
	}

	if strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.HTML) == "" {
		return fmt.Errorf("%w: inline content needs a subject and html", ErrInvalidJob)
	}
	_, err := s.templates.Inline(req.Subject, req.HTML, req.Text)
	return err
}

// normalizeRecipients enforces a non-empty list, unique by id and by
// case-insensitive email, and assigns ids where missing.
func normalizeRecipients(in []models.Recipient) ([]models.Recipient, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidJob)
	}

	out := make([]models.Recipient, 0, len(in))
	ids := make(map[string]struct{}, len(in))
	emails := make(map[string]struct{}, len(in))

	for i, r := range in {
		r.Email = strings.TrimSpace(r.Email)
		if r.Email == "" {
			return nil, fmt.Errorf("%w: recipient %d has no email", ErrInvalidJob, i)
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}

		if _, ok := ids[r.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate recipient id %q", ErrInvalidJob, r.ID)
		}
		key := strings.ToLower(r.Email)
		if _, ok := emails[key]; ok {
			return nil, fmt.Errorf("%w: duplicate recipient email %q", ErrInvalidJob, r.Email)
		}
		ids[r.ID] = struct{}{}
		emails[key] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

func clampPriority(p int) int {
	if p == 0 {
		return queue.PriorityDefault
	}
	return min(max(p, queue.PriorityHighest), queue.PriorityLowest)
}

func newRef() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "JOB-" + strings.ToUpper(id[:8])
}
