package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"MailDispatch/internal/db"
	"MailDispatch/internal/dispatch"
	"MailDispatch/internal/models"
	"MailDispatch/internal/queue"
	"MailDispatch/internal/templates"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixture struct {
	srv   *httptest.Server
	store *db.MemoryStore
	queue *queue.Memory
}

func newFixture(t *testing.T, health Pinger) *fixture {
	t.Helper()

	system, err := templates.LoadSystem(templates.Files)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	store := db.NewMemory()
	renderer := templates.NewRenderer(system, store, nil, time.Minute, logger)
	q := queue.NewMemory(queue.MemoryConfig{Logger: logger})
	t.Cleanup(func() { _ = q.Close() })

	if health == nil {
		health = store
	}

	h := &Handler{
		Service:       dispatch.NewService(store, renderer, q, logger),
		Health:        health,
		Log:           logger,
		MaxImportRows: 100,
	}
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, store: store, queue: q}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/jobs", map[string]any{
		"template_ref": templates.Welcome,
		"data":         map[string]any{"AppName": "Acme"},
		"recipients":   []map[string]any{{"email": "a@x.com", "name": "Ann"}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decode[models.Job](t, resp)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, 1, f.queue.Len())

	resp = f.do(t, http.MethodGet, "/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, job.Ref, decode[models.Job](t, resp).Ref)

	resp = f.do(t, http.MethodGet, "/jobs/"+job.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]models.DeliveryLog](t, resp))

	resp = f.do(t, http.MethodPost, "/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.JobCancelled, decode[models.Job](t, resp).Status)

	resp = f.do(t, http.MethodPost, "/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateJob_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed body", "not an object", http.StatusBadRequest},
		{"no recipients", map[string]any{"subject": "s", "html": "h"}, http.StatusBadRequest},
		{"unknown template", map[string]any{
			"template_ref": "nope",
			"recipients":   []map[string]any{{"email": "a@x.com"}},
		}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil)
			resp := f.do(t, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestImportJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("subject", "Hi {{.Name}}"))
	require.NoError(t, mw.WriteField("html", "<p>Hello {{.Name}} from {{.City}}</p>"))
	require.NoError(t, mw.WriteField("priority", "1"))
	fw, err := mw.CreateFormFile("recipients", "list.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("Email,Name,City\na@x.com,Ann,Oslo\nb@x.com,Bob,Rome\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.srv.URL+"/jobs/import", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decode[models.Job](t, resp)
	assert.Equal(t, 2, job.TotalCount)
	assert.Equal(t, queue.PriorityHighest, job.Priority)
	require.Len(t, job.Recipients, 2)
	assert.Equal(t, "Oslo", job.Recipients[0].Data["City"])
}

func TestImportJob_MissingFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("subject", "s"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.srv.URL+"/jobs/import", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTemplateRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/templates", models.UserTemplate{Name: templates.PasswordReset, Subject: "s", HTML: "h"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/templates", models.UserTemplate{Name: " ", Subject: "s", HTML: "h"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[map[string]string](t, resp)["error"], "invalid template")

	resp = f.do(t, http.MethodPost, "/templates", models.UserTemplate{Name: "promo", Subject: "s", HTML: "h"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/templates", models.UserTemplate{Name: "promo", Subject: "s", HTML: "h"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/templates/promo", models.UserTemplate{Subject: "s2", HTML: "h2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := f.store.GetUserTemplate(context.Background(), "promo")
	require.NoError(t, err)
	assert.Equal(t, "s2", stored.Subject)

	resp = f.do(t, http.MethodPut, "/templates/ghost", models.UserTemplate{Subject: "s", HTML: "h"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/templates/promo", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDeliveryCallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	job := &models.Job{
		ID: "job-1", Ref: "JOB-00000001", Subject: "s", HTML: "h",
		Recipients: []models.Recipient{{ID: "r1", Email: "a@x.com"}, {ID: "r2", Email: "b@x.com"}}, Status: models.JobProcessing,
	}
	require.NoError(t, f.store.CreateJob(ctx, job))
	_, err := f.store.UpsertLog(ctx, &models.DeliveryLog{
		JobID: job.ID, RecipientID: "r1", Email: "a@x.com", Status: models.DeliverySent, MessageID: "<m1@x>",
	})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/callbacks/delivery", map[string]string{"message_id": "<m1@x>", "status": "DELIVERED"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/callbacks/delivery", map[string]string{"message_id": "<m1@x>", "status": "pending"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/callbacks/delivery", map[string]string{"message_id": "<nope@x>", "status": "opened"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = f.store.UpsertLog(ctx, &models.DeliveryLog{
		JobID: job.ID, RecipientID: "r2", Email: "b@x.com", Status: models.DeliveryFailed, MessageID: "<m2@x>",
	})
	require.NoError(t, err)
	resp = f.do(t, http.MethodPost, "/callbacks/delivery", map[string]string{"message_id": "<m2@x>", "status": "delivered"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	logs, err := f.store.ListLogs(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, logs[0].Status)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newFixture(t, pingFunc(func(context.Context) error { return errors.New("connection refused") }))
	resp = down.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.True(t, strings.Contains(resp.Header.Get("Content-Type"), "application/json"))
}
