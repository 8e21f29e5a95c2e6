package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"MailDispatch/internal/models"
)

type logKey struct {
	jobID       string
	recipientID string
}

// MemoryStore keeps everything in process memory. It is used by tests and by
// STORE_DRIVER=memory for local runs; nothing survives a restart.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	logs      map[logKey]*models.DeliveryLog
	templates map[string]*models.UserTemplate
	nextLogID int64
	now       func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*models.Job),
		logs:      make(map[logKey]*models.DeliveryLog),
		templates: make(map[string]*models.UserTemplate),
		now:       time.Now,
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range s.jobs {
		if existing.Ref == job.Ref {
			return ErrDuplicate
		}
	}

	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.TotalCount = len(job.Recipients)
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) ClaimJob(_ context.Context, id string, at time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status.Cancellable() {
		job.Status = models.JobProcessing
		job.StartedAt = &at
		job.UpdatedAt = s.now()
	}
	return job.Clone(), nil
}

func (s *MemoryStore) CancelJob(_ context.Context, id string, at time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !job.Status.Cancellable() {
		return nil, ErrNotCancellable
	}
	job.Status = models.JobCancelled
	job.CancelledAt = &at
	job.UpdatedAt = s.now()
	return job.Clone(), nil
}

func (s *MemoryStore) SetCounters(_ context.Context, id string, sent, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if sent < 0 || failed < 0 || sent+failed > job.TotalCount {
		return ErrInvalidCounters
	}
	job.SentCount = sent
	job.FailedCount = failed
	job.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RecordJobError(_ context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.LastError = msg
	job.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) FinishJob(_ context.Context, id string, status models.JobStatus, msg string, at time.Time) (*models.Job, error) {
	if status != models.JobCompleted && status != models.JobFailed {
		return nil, ErrNotTerminalState
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}

	job.Status = status
	if msg != "" {
		job.LastError = msg
	}
	if status == models.JobCompleted {
		job.CompletedAt = &at
	} else {
		job.FailedAt = &at
	}
	job.UpdatedAt = s.now()
	return job.Clone(), nil
}

func (s *MemoryStore) ListUnfinishedJobs(_ context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	for key := range s.logs {
		if key.jobID == id {
			delete(s.logs, key)
		}
	}
	return nil
}

func (s *MemoryStore) UpsertLog(_ context.Context, log *models.DeliveryLog) (*models.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[log.JobID]; !ok {
		return nil, ErrNotFound
	}

	now := s.now()
	key := logKey{jobID: log.JobID, recipientID: log.RecipientID}

	if existing, ok := s.logs[key]; ok {
		existing.Email = log.Email
		existing.Status = log.Status
		existing.MessageID = log.MessageID
		existing.ErrorCode = log.ErrorCode
		existing.Error = log.Error
		existing.ProviderResponse = log.ProviderResponse
		existing.SentAt = log.SentAt
		existing.RetryCount++
		existing.UpdatedAt = now
		out := *existing
		return &out, nil
	}

	s.nextLogID++
	row := *log
	row.ID = s.nextLogID
	row.RetryCount = 0
	row.CreatedAt = now
	row.UpdatedAt = now
	s.logs[key] = &row

	out := row
	return &out, nil
}

func (s *MemoryStore) ListLogs(_ context.Context, jobID string) ([]*models.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var logs []*models.DeliveryLog
	for key, row := range s.logs {
		if key.jobID == jobID {
			out := *row
			logs = append(logs, &out)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].ID < logs[j].ID })
	return logs, nil
}

func (s *MemoryStore) UpdateLogByMessageID(_ context.Context, messageID string, status models.DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.logs {
		if messageID == "" || row.MessageID != messageID {
			continue
		}
		if !row.Status.Dispatched() {
			return ErrNotDispatched
		}
		if row.Status.Advances(status) {
			row.Status = status
			row.UpdatedAt = s.now()
		}
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) GetUserTemplate(_ context.Context, name string) (*models.UserTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpl, ok := s.templates[name]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneTemplate(tmpl)
	return out, nil
}

func (s *MemoryStore) CreateUserTemplate(_ context.Context, tmpl *models.UserTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[tmpl.Name]; ok {
		return ErrDuplicate
	}
	now := s.now()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now
	s.templates[tmpl.Name] = cloneTemplate(tmpl)
	return nil
}

func (s *MemoryStore) UpdateUserTemplate(_ context.Context, tmpl *models.UserTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.templates[tmpl.Name]
	if !ok {
		return ErrNotFound
	}
	tmpl.ID = existing.ID
	tmpl.CreatedAt = existing.CreatedAt
	tmpl.UpdatedAt = s.now()
	s.templates[tmpl.Name] = cloneTemplate(tmpl)
	return nil
}

func (s *MemoryStore) DeleteUserTemplate(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[name]; !ok {
		return ErrNotFound
	}
	for _, job := range s.jobs {
		if job.TemplateRef == name && !job.Status.Terminal() {
			return ErrTemplateInUse
		}
	}
	delete(s.templates, name)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func cloneTemplate(t *models.UserTemplate) *models.UserTemplate {
	out := *t
	out.Variables = append([]models.Variable(nil), t.Variables...)
	return &out
}

var _ Store = (*MemoryStore)(nil)
