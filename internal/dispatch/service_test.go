package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"MailDispatch/internal/db"
	"MailDispatch/internal/models"
	"MailDispatch/internal/queue"
	"MailDispatch/internal/templates"
)

type fixture struct {
	svc   *Service
	store *db.MemoryStore
	queue *queue.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	system, err := templates.LoadSystem(templates.Files)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	store := db.NewMemory()
	renderer := templates.NewRenderer(system, store, nil, time.Minute, logger)
	q := queue.NewMemory(queue.MemoryConfig{Logger: logger})
	t.Cleanup(func() { _ = q.Close() })

	return &fixture{
		svc:   NewService(store, renderer, q, logger),
		store: store,
		queue: q,
	}
}

func recipients(emails ...string) []models.Recipient {
	out := make([]models.Recipient, len(emails))
	for i, e := range emails {
		out[i] = models.Recipient{Email: e}
	}
	return out
}

func TestCreateJob_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     CreateJobRequest
		wantErr error
	}{
		{
			name:    "no recipients",
			req:     CreateJobRequest{Subject: "s", HTML: "h"},
			wantErr: ErrInvalidJob,
		},
		{
			name: "duplicate recipient id",
			req: CreateJobRequest{Subject: "s", HTML: "h", Recipients: []models.Recipient{
				{ID: "1", Email: "a@x.com"}, {ID: "1", Email: "b@x.com"},
			}},
			wantErr: ErrInvalidJob,
		},
		{
			name:    "duplicate email ignoring case",
			req:     CreateJobRequest{Subject: "s", HTML: "h", Recipients: recipients("a@x.com", "A@X.com")},
			wantErr: ErrInvalidJob,
		},
		{
			name:    "blank email",
			req:     CreateJobRequest{Subject: "s", HTML: "h", Recipients: recipients("  ")},
			wantErr: ErrInvalidJob,
		},
		{
			name:    "template and inline content",
			req:     CreateJobRequest{TemplateRef: templates.Welcome, Subject: "s", Recipients: recipients("a@x.com")},
			wantErr: ErrInvalidJob,
		},
		{
			name:    "no content",
			req:     CreateJobRequest{Recipients: recipients("a@x.com")},
			wantErr: ErrInvalidJob,
		},
		{
			name:    "unknown template",
			req:     CreateJobRequest{TemplateRef: "nope", Recipients: recipients("a@x.com")},
			wantErr: templates.ErrTemplateNotFound,
		},
		{
			name:    "malformed inline content",
			req:     CreateJobRequest{Subject: "{{.Name", HTML: "h", Recipients: recipients("a@x.com")},
			wantErr: templates.ErrRender,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			_, err := f.svc.CreateJob(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, f.queue.Len())
		})
	}
}

func TestCreateJob_PersistsAndEnqueues(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, CreateJobRequest{
		TemplateRef: templates.Welcome,
		Data:        map[string]any{"AppName": "Acme"},
		Recipients:  recipients("a@x.com", "bad-address", "c@x.com"),
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)

	assert.Regexp(t, `^JOB-[0-9A-F]{8}$`, job.Ref)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, 3, job.TotalCount)
	assert.Equal(t, queue.PriorityDefault, job.Priority)
	for _, r := range job.Recipients {
		assert.NotEmpty(t, r.ID)
	}

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Ref, stored.Ref)
	assert.Equal(t, "user-1", stored.CreatedBy)
	assert.Equal(t, 1, f.queue.Len())
}

func TestCreateJob_FutureScheduleIsScheduled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	at := time.Now().Add(time.Hour)

	job, err := f.svc.CreateJob(context.Background(), CreateJobRequest{
		Subject: "s", HTML: "<p>h</p>", Recipients: recipients("a@x.com"), ScheduledFor: &at, Priority: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobScheduled, job.Status)
	require.NotNil(t, job.ScheduledFor)
	assert.True(t, job.ScheduledFor.Equal(at))
	assert.Equal(t, queue.PriorityLowest, job.Priority)

	past := time.Now().Add(-time.Minute)
	job, err = f.svc.CreateJob(context.Background(), CreateJobRequest{
		Subject: "s", HTML: "<p>h</p>", Recipients: recipients("a@x.com"), ScheduledFor: &past,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Nil(t, job.ScheduledFor)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, CreateJobRequest{Subject: "s", HTML: "h", Recipients: recipients("a@x.com")})
	require.NoError(t, err)

	cancelled, err := f.svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)

	_, err = f.svc.CancelJob(ctx, job.ID)
	require.ErrorIs(t, err, db.ErrNotCancellable)

	_, err = f.svc.CancelJob(ctx, "missing")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestHandleCallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, CreateJobRequest{Subject: "s", HTML: "h", Recipients: recipients("a@x.com")})
	require.NoError(t, err)
	_, err = f.store.UpsertLog(ctx, &models.DeliveryLog{
		JobID: job.ID, RecipientID: job.Recipients[0].ID, Email: "a@x.com",
		Status: models.DeliverySent, MessageID: "<m1@x>",
	})
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.HandleCallback(ctx, "<m1@x>", models.DeliveryFailed), ErrInvalidCallback)
	require.ErrorIs(t, f.svc.HandleCallback(ctx, "", models.DeliveryOpened), ErrInvalidCallback)
	require.ErrorIs(t, f.svc.HandleCallback(ctx, "<other@x>", models.DeliveryOpened), db.ErrNotFound)
	require.NoError(t, f.svc.HandleCallback(ctx, "<m1@x>", models.DeliveryClicked))

	logs, err := f.svc.ListLogs(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryClicked, logs[0].Status)

	_, err = f.svc.ListLogs(ctx, "missing")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestRecover(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateJob(ctx, CreateJobRequest{Subject: "s", HTML: "h", Recipients: recipients("a@x.com")})
	require.NoError(t, err)

	// A job persisted without a task, as after a restart of the in-process queue.
	orphan := &models.Job{
		ID: "orphan", Ref: "JOB-ORPHAN01", Subject: "s", HTML: "h",
		Recipients: recipients("b@x.com"), Status: models.JobProcessing,
	}
	require.NoError(t, f.store.CreateJob(ctx, orphan))

	done := &models.Job{ID: "done", Ref: "JOB-DONE0001", Subject: "s", HTML: "h", Recipients: recipients("c@x.com"), Status: models.JobCompleted}
	require.NoError(t, f.store.CreateJob(ctx, done))

	n, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, f.queue.Len())

	n, err = f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTemplateWritesGuardReservedNames(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.CreateTemplate(ctx, &models.UserTemplate{Name: templates.MagicLink, Subject: "s", HTML: "h"})
	require.ErrorIs(t, err, templates.ErrReservedName)

	_, err = f.store.GetUserTemplate(ctx, templates.MagicLink)
	require.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, f.svc.CreateTemplate(ctx, &models.UserTemplate{Name: "promo", Subject: "s", HTML: "h"}))

	job, err := f.svc.CreateJob(ctx, CreateJobRequest{TemplateRef: "promo", Recipients: recipients("a@x.com")})
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.DeleteTemplate(ctx, "promo"), db.ErrTemplateInUse)

	_, err = f.svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteTemplate(ctx, "promo"))
}

func TestNewSweeper(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := NewSweeper(f.svc, "not a schedule", zaptest.NewLogger(t))
	require.Error(t, err)

	s, err := NewSweeper(f.svc, "*/5 * * * *", zaptest.NewLogger(t))
	require.NoError(t, err)

	orphan := &models.Job{ID: "orphan", Ref: "JOB-ORPHAN01", Subject: "s", HTML: "h", Recipients: recipients("b@x.com"), Status: models.JobQueued}
	require.NoError(t, f.store.CreateJob(context.Background(), orphan))

	s.Start(context.Background())
	s.Stop()
	assert.Equal(t, 1, f.queue.Len())
}
