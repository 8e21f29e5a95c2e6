package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"MailDispatch/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	Pool *pgxpool.Pool
}

// New opens a pool and pings it, retrying with exponential backoff so the
// worker can start alongside a database that is still booting.
func New(ctx context.Context, conn string, attempts int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, fmt.Errorf("db: parse config: %w", err)
	}

	var pool *pgxpool.Pool
	operation := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(attempts, 1))), ctx)); err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}

	return &PostgresStore{Pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.Pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

const jobColumns = `id, ref, COALESCE(template_ref, ''), COALESCE(subject, ''), COALESCE(html, ''),
	COALESCE(text, ''), data, recipients, total_count, sent_count, failed_count, status, priority,
	COALESCE(created_by, ''), COALESCE(last_error, ''), created_at, updated_at, scheduled_for,
	started_at, completed_at, failed_at, cancelled_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job        models.Job
		data       []byte
		recipients []byte
	)

	err := row.Scan(
		&job.ID, &job.Ref, &job.TemplateRef, &job.Subject, &job.HTML,
		&job.Text, &data, &recipients, &job.TotalCount, &job.SentCount, &job.FailedCount,
		&job.Status, &job.Priority, &job.CreatedBy, &job.LastError, &job.CreatedAt,
		&job.UpdatedAt, &job.ScheduledFor, &job.StartedAt, &job.CompletedAt, &job.FailedAt,
		&job.CancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &job.Data); err != nil {
			return nil, fmt.Errorf("db: decode job data: %w", err)
		}
	}
	if err := json.Unmarshal(recipients, &job.Recipients); err != nil {
		return nil, fmt.Errorf("db: decode recipients: %w", err)
	}

	return &job, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	dataJSON, err := json.Marshal(job.Data)
	if err != nil {
		return err
	}
	recipientsJSON, err := json.Marshal(job.Recipients)
	if err != nil {
		return err
	}

	job.TotalCount = len(job.Recipients)

	err = s.Pool.QueryRow(ctx,
		`INSERT INTO email_jobs
		 (id, ref, template_ref, subject, html, text, data, recipients, total_count,
		  status, priority, created_by, scheduled_for, created_at, updated_at)
		 VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,NULLIF($12,''),$13,NOW(),NOW())
		 RETURNING created_at, updated_at`,
		job.ID,
		job.Ref,
		job.TemplateRef,
		job.Subject,
		job.HTML,
		job.Text,
		dataJSON,
		recipientsJSON,
		job.TotalCount,
		job.Status,
		job.Priority,
		job.CreatedBy,
		job.ScheduledFor,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return scanJob(s.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM email_jobs WHERE id=$1`, id))
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id string, at time.Time) (*models.Job, error) {
	job, err := scanJob(s.Pool.QueryRow(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     started_at=$2,
		     updated_at=NOW()
		 WHERE id=$3 AND status IN ($4, $5)
		 RETURNING `+jobColumns,
		models.JobProcessing,
		at,
		id,
		models.JobQueued,
		models.JobScheduled,
	))
	if errors.Is(err, ErrNotFound) {
		// Already processing, terminal, or missing.
		return s.GetJob(ctx, id)
	}
	return job, err
}

func (s *PostgresStore) CancelJob(ctx context.Context, id string, at time.Time) (*models.Job, error) {
	job, err := scanJob(s.Pool.QueryRow(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     cancelled_at=$2,
		     updated_at=NOW()
		 WHERE id=$3 AND status IN ($4, $5)
		 RETURNING `+jobColumns,
		models.JobCancelled,
		at,
		id,
		models.JobQueued,
		models.JobScheduled,
	))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotCancellable
	}
	return job, err
}

func (s *PostgresStore) SetCounters(ctx context.Context, id string, sent, failed int) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_jobs
		 SET sent_count=$1,
		     failed_count=$2,
		     updated_at=NOW()
		 WHERE id=$3 AND $1 >= 0 AND $2 >= 0 AND $1 + $2 <= total_count`,
		sent,
		failed,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrInvalidCounters
	}
	return nil
}

func (s *PostgresStore) RecordJobError(ctx context.Context, id, msg string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_jobs
		 SET last_error=$1,
		     updated_at=NOW()
		 WHERE id=$2`,
		msg,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FinishJob(ctx context.Context, id string, status models.JobStatus, msg string, at time.Time) (*models.Job, error) {
	var column string
	switch status {
	case models.JobCompleted:
		column = "completed_at"
	case models.JobFailed:
		column = "failed_at"
	default:
		return nil, ErrNotTerminalState
	}

	job, err := scanJob(s.Pool.QueryRow(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     `+column+`=$2,
		     last_error=COALESCE(NULLIF($3,''), last_error),
		     updated_at=NOW()
		 WHERE id=$4 AND status NOT IN ($5, $6, $7)
		 RETURNING `+jobColumns,
		status,
		at,
		msg,
		id,
		models.JobCompleted,
		models.JobFailed,
		models.JobCancelled,
	))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyTerminal
	}
	return job, err
}

func (s *PostgresStore) ListUnfinishedJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM email_jobs
		 WHERE status = ANY($1)
		 ORDER BY created_at`,
		unfinishedStatuses(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM email_jobs WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const logColumns = `id, job_id, recipient_id, email, status, COALESCE(message_id, ''),
	COALESCE(error_code, ''), COALESCE(error, ''), COALESCE(provider_response, ''),
	retry_count, sent_at, created_at, updated_at`

func scanLog(row pgx.Row) (*models.DeliveryLog, error) {
	var l models.DeliveryLog
	err := row.Scan(
		&l.ID, &l.JobID, &l.RecipientID, &l.Email, &l.Status, &l.MessageID,
		&l.ErrorCode, &l.Error, &l.ProviderResponse,
		&l.RetryCount, &l.SentAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) UpsertLog(ctx context.Context, log *models.DeliveryLog) (*models.DeliveryLog, error) {
	row, err := scanLog(s.Pool.QueryRow(ctx,
		`INSERT INTO delivery_logs
		 (job_id, recipient_id, email, status, message_id, error_code, error,
		  provider_response, retry_count, sent_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),NULLIF($7,''),NULLIF($8,''),0,$9,NOW(),NOW())
		 ON CONFLICT (job_id, recipient_id) DO UPDATE
		 SET email=EXCLUDED.email,
		     status=EXCLUDED.status,
		     message_id=EXCLUDED.message_id,
		     error_code=EXCLUDED.error_code,
		     error=EXCLUDED.error,
		     provider_response=EXCLUDED.provider_response,
		     sent_at=EXCLUDED.sent_at,
		     retry_count=delivery_logs.retry_count + 1,
		     updated_at=NOW()
		 RETURNING `+logColumns,
		log.JobID,
		log.RecipientID,
		log.Email,
		log.Status,
		log.MessageID,
		log.ErrorCode,
		log.Error,
		log.ProviderResponse,
		log.SentAt,
	))

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return nil, ErrNotFound
	}
	return row, err
}

func (s *PostgresStore) ListLogs(ctx context.Context, jobID string) ([]*models.DeliveryLog, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+logColumns+` FROM delivery_logs WHERE job_id=$1 ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.DeliveryLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) UpdateLogByMessageID(ctx context.Context, messageID string, status models.DeliveryStatus) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		id      int64
		current models.DeliveryStatus
	)
	err = tx.QueryRow(ctx,
		`SELECT id, status FROM delivery_logs
		 WHERE message_id=$1
		 ORDER BY id
		 LIMIT 1
		 FOR UPDATE`,
		messageID,
	).Scan(&id, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if !current.Dispatched() {
		return ErrNotDispatched
	}
	if !current.Advances(status) {
		return nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE delivery_logs
		 SET status=$1,
		     updated_at=NOW()
		 WHERE id=$2`,
		status,
		id,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const templateColumns = `id, name, subject, html, COALESCE(text, ''), variables,
	COALESCE(created_by, ''), created_at, updated_at`

func scanTemplate(row pgx.Row) (*models.UserTemplate, error) {
	var (
		t    models.UserTemplate
		vars []byte
	)
	err := row.Scan(&t.ID, &t.Name, &t.Subject, &t.HTML, &t.Text, &vars, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &t.Variables); err != nil {
			return nil, fmt.Errorf("db: decode template variables: %w", err)
		}
	}
	return &t, nil
}

func (s *PostgresStore) GetUserTemplate(ctx context.Context, name string) (*models.UserTemplate, error) {
	return scanTemplate(s.Pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM user_templates WHERE name=$1`, name))
}

func (s *PostgresStore) CreateUserTemplate(ctx context.Context, tmpl *models.UserTemplate) error {
	vars, err := json.Marshal(tmpl.Variables)
	if err != nil {
		return err
	}

	err = s.Pool.QueryRow(ctx,
		`INSERT INTO user_templates
		 (id, name, subject, html, text, variables, created_by, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,NULLIF($7,''),NOW(),NOW())
		 RETURNING created_at, updated_at`,
		tmpl.ID,
		tmpl.Name,
		tmpl.Subject,
		tmpl.HTML,
		tmpl.Text,
		vars,
		tmpl.CreatedBy,
	).Scan(&tmpl.CreatedAt, &tmpl.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) UpdateUserTemplate(ctx context.Context, tmpl *models.UserTemplate) error {
	vars, err := json.Marshal(tmpl.Variables)
	if err != nil {
		return err
	}

	err = s.Pool.QueryRow(ctx,
		`UPDATE user_templates
		 SET subject=$1,
		     html=$2,
		     text=NULLIF($3,''),
		     variables=$4,
		     updated_at=NOW()
		 WHERE name=$5
		 RETURNING id, created_at, updated_at`,
		tmpl.Subject,
		tmpl.HTML,
		tmpl.Text,
		vars,
		tmpl.Name,
	).Scan(&tmpl.ID, &tmpl.CreatedAt, &tmpl.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) DeleteUserTemplate(ctx context.Context, name string) error {
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		var inUse bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (
			   SELECT 1 FROM email_jobs
			   WHERE template_ref=$1 AND status = ANY($2)
			 )`,
			name,
			unfinishedStatuses(),
		).Scan(&inUse); err != nil {
			return err
		}
		if inUse {
			return ErrTemplateInUse
		}

		tag, err := tx.Exec(ctx, `DELETE FROM user_templates WHERE name=$1`, name)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

var _ Store = (*PostgresStore)(nil)
