package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"MailDispatch/internal/db"
	"MailDispatch/internal/email"
	"MailDispatch/internal/metrics"
	"MailDispatch/internal/models"
	"MailDispatch/internal/queue"
	"MailDispatch/internal/templates"
)

// TemplateSource resolves the template a job renders with.
type TemplateSource interface {
	Lookup(ctx context.Context, ref string) (templates.Template, error)
	Inline(subject, html, text string) (templates.Template, error)
}

type Config struct {
	// Pacing is the minimum gap between two sends of one job.
	Pacing      time.Duration
	SendTimeout time.Duration
}

// Processor runs one email job to completion: claim, bootstrap, the
// per-recipient fold, then the terminal transition.
type Processor struct {
	store     db.Store
	templates TemplateSource
	transport email.Transport
	audit     Auditor
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
}

func NewProcessor(store db.Store, tmpl TemplateSource, transport email.Transport, audit Auditor, cfg Config, log *zap.Logger) *Processor {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Processor{
		store:     store,
		templates: tmpl,
		transport: transport,
		audit:     audit,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// Handle is the queue.Handler for email jobs. It returns nil when the job is
// finished, skipped, or interrupted by shutdown; an error asks for a retry.
func (p *Processor) Handle(ctx context.Context, d queue.Delivery) error {
	log := p.log.With(zap.String("job_id", d.Task.JobID), zap.Int("attempt", d.Attempt))

	job, err := p.store.ClaimJob(ctx, d.Task.JobID, p.now())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Warn("job not found, dropping task")
			return queue.Permanent(err)
		}
		return p.bootstrapFailed(ctx, d, nil, fmt.Errorf("claim: %w", err))
	}

	if job.Status != models.JobProcessing {
		log.Info("job not runnable, skipping", zap.String("status", string(job.Status)))
		return nil
	}

	logs, err := p.store.ListLogs(ctx, job.ID)
	if err != nil {
		return p.bootstrapFailed(ctx, d, job, fmt.Errorf("load logs: %w", err))
	}

	tmpl, err := p.resolve(ctx, job)
	if err != nil {
		return p.bootstrapFailed(ctx, d, job, err)
	}

	log.Info("processing job",
		zap.String("ref", job.Ref),
		zap.Int("total", job.TotalCount),
		zap.Int("already_logged", len(logs)),
	)

	t := newTally(logs)
	limiter := rate.NewLimiter(rate.Every(p.cfg.Pacing), 1)

	for _, rcpt := range job.Recipients {
		if t.dispatched(rcpt.ID) {
			continue
		}

		// Stop between recipients; the job stays PROCESSING and is resumed.
		// Shutdown acks the task and leaves the job to the sweeper; a deadline
		// is a failed attempt so the queue runs it again.
		if err := limiter.Wait(ctx); err != nil {
			log.Info("job interrupted", zap.Int("sent", t.sent), zap.Int("failed", t.failed), zap.Error(err))
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("job %s interrupted after %d of %d recipients: %w",
				job.ID, t.sent+t.failed, job.TotalCount, err)
		}

		row := p.deliver(ctx, job, tmpl, rcpt)

		// Store writes finish even during shutdown so the send is not lost.
		wctx := context.WithoutCancel(ctx)
		if _, err := p.store.UpsertLog(wctx, row); err != nil {
			return p.bootstrapFailed(ctx, d, job, fmt.Errorf("upsert log: %w", err))
		}
		t.record(rcpt.ID, row.Status)
		if err := p.store.SetCounters(wctx, job.ID, t.sent, t.failed); err != nil {
			return p.bootstrapFailed(ctx, d, job, fmt.Errorf("set counters: %w", err))
		}
	}

	return p.finalize(ctx, job, t)
}

// Dead is the queue's dead-task hook. The job is failed unless it already
// reached a terminal state.
func (p *Processor) Dead(ctx context.Context, d queue.Delivery, cause error) {
	p.fail(context.WithoutCancel(ctx), d.Task.JobID, cause.Error())
}

func (p *Processor) resolve(ctx context.Context, job *models.Job) (templates.Template, error) {
	if job.Inline() {
		tmpl, err := p.templates.Inline(job.Subject, job.HTML, job.Text)
		if err != nil {
			return nil, queue.Permanent(fmt.Errorf("inline content: %w", err))
		}
		return tmpl, nil
	}

	tmpl, err := p.templates.Lookup(ctx, job.TemplateRef)
	switch {
	case err == nil:
		return tmpl, nil
	case errors.Is(err, templates.ErrTemplateNotFound),
		errors.Is(err, templates.ErrSystemTemplateMissing),
		errors.Is(err, templates.ErrRender):
		return nil, queue.Permanent(fmt.Errorf("template %q: %w", job.TemplateRef, err))
	default:
		return nil, fmt.Errorf("template %q: %w", job.TemplateRef, err)
	}
}

// deliver renders and sends one recipient. Every failure becomes data on the
// returned row.
func (p *Processor) deliver(ctx context.Context, job *models.Job, tmpl templates.Template, rcpt models.Recipient) *models.DeliveryLog {
	row := &models.DeliveryLog{
		JobID:       job.ID,
		RecipientID: rcpt.ID,
		Email:       rcpt.Email,
		Status:      models.DeliveryFailed,
	}
	log := p.log.With(zap.String("job_id", job.ID), zap.String("recipient_id", rcpt.ID))

	rendered, err := tmpl.Render(mergeData(job.Data, rcpt))
	if err != nil {
		row.ErrorCode = email.CodeRenderFailed
		row.Error = err.Error()
		metrics.EmailFailures.WithLabelValues(row.ErrorCode).Inc()
		log.Warn("render failed", zap.Error(err))
		return row
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SendTimeout)
	res, err := p.transport.Send(sendCtx, email.Message{
		To:      rcpt.Email,
		ToName:  rcpt.Name,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	})
	cancel()

	row.MessageID = res.MessageID
	row.ProviderResponse = res.Response

	switch {
	case err != nil:
		row.ErrorCode = res.ErrorCode
		if row.ErrorCode == "" {
			row.ErrorCode = email.CodeUnreachable
		}
		row.Error = err.Error()
	case res.Success:
		now := p.now()
		row.Status = models.DeliverySent
		row.SentAt = &now
		metrics.EmailsSent.Inc()
		log.Debug("email sent", zap.String("message_id", res.MessageID))
		return row
	default:
		row.ErrorCode = res.ErrorCode
		row.Error = res.Response
	}

	metrics.EmailFailures.WithLabelValues(row.ErrorCode).Inc()
	log.Warn("email not delivered",
		zap.String("error_code", row.ErrorCode),
		zap.String("error", row.Error),
	)
	return row
}

func (p *Processor) finalize(ctx context.Context, job *models.Job, t *tally) error {
	status := models.JobFailed
	msg := ""
	if t.sent > 0 {
		status = models.JobCompleted
	} else {
		msg = fmt.Sprintf("all %d recipients failed", job.TotalCount)
	}

	finished, err := p.store.FinishJob(context.WithoutCancel(ctx), job.ID, status, msg, p.now())
	if errors.Is(err, db.ErrAlreadyTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}

	p.audit.Emit(ctx, eventFor(finished))
	return nil
}

// bootstrapFailed either fails the job for good or records the error and
// hands the task back to the queue for another attempt.
func (p *Processor) bootstrapFailed(ctx context.Context, d queue.Delivery, job *models.Job, err error) error {
	log := p.log.With(zap.String("job_id", d.Task.JobID), zap.Int("attempt", d.Attempt), zap.Error(err))

	if queue.IsPermanent(err) || d.Final() {
		log.Error("job bootstrap failed, giving up")
		p.fail(context.WithoutCancel(ctx), d.Task.JobID, err.Error())
		return queue.Permanent(err)
	}

	log.Warn("job bootstrap failed, will retry")
	if job != nil {
		if rerr := p.store.RecordJobError(context.WithoutCancel(ctx), job.ID, err.Error()); rerr != nil {
			log.Error("failed to record job error", zap.NamedError("record_error", rerr))
		}
	}
	return err
}

// fail moves the job to FAILED and emits the audit event, at most once.
func (p *Processor) fail(ctx context.Context, jobID, msg string) {
	finished, err := p.store.FinishJob(ctx, jobID, models.JobFailed, msg, p.now())
	switch {
	case err == nil:
		p.audit.Emit(ctx, eventFor(finished))
	case errors.Is(err, db.ErrAlreadyTerminal), errors.Is(err, db.ErrNotFound):
	default:
		p.log.Error("failed to mark job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// mergeData layers the recipient's own fields over the job-level data.
func mergeData(jobData map[string]any, rcpt models.Recipient) map[string]any {
	data := make(map[string]any, len(jobData)+len(rcpt.Data)+2)
	for k, v := range jobData {
		data[k] = v
	}
	data["Email"] = rcpt.Email
	if rcpt.Name != "" {
		data["Name"] = rcpt.Name
	}
	for k, v := range rcpt.Data {
		data[k] = v
	}
	return data
}

// tally is the job's counters, rebuilt from the delivery log at bootstrap and
// advanced as each recipient is processed.
type tally struct {
	status map[string]models.DeliveryStatus
	sent   int
	failed int
}

func newTally(logs []*models.DeliveryLog) *tally {
	t := &tally{status: make(map[string]models.DeliveryStatus, len(logs))}
	for _, l := range logs {
		t.status[l.RecipientID] = l.Status
		switch {
		case l.Status.Dispatched():
			t.sent++
		case l.Status == models.DeliveryFailed:
			t.failed++
		}
	}
	return t
}

func (t *tally) dispatched(recipientID string) bool {
	return t.status[recipientID].Dispatched()
}

func (t *tally) record(recipientID string, status models.DeliveryStatus) {
	if t.status[recipientID] == models.DeliveryFailed {
		t.failed--
	}
	t.status[recipientID] = status
	if status.Dispatched() {
		t.sent++
	} else {
		t.failed++
	}
}
