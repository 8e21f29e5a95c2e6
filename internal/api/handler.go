package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"MailDispatch/internal/csvparser"
	"MailDispatch/internal/db"
	"MailDispatch/internal/dispatch"
	"MailDispatch/internal/models"
	"MailDispatch/internal/templates"
)

const maxUploadSize = 10 << 20

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Service       *dispatch.Service
	Health        Pinger
	Log           *zap.Logger
	MaxImportRows int
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.CreateJob)
		r.Post("/import", h.ImportJob)
		r.Get("/{id}", h.GetJob)
		r.Get("/{id}/logs", h.ListLogs)
		r.Post("/{id}/cancel", h.CancelJob)
	})

	r.Route("/templates", func(r chi.Router) {
		r.Post("/", h.CreateTemplate)
		r.Put("/{name}", h.UpdateTemplate)
		r.Delete("/{name}", h.DeleteTemplate)
	})

	r.Post("/callbacks/delivery", h.DeliveryCallback)

	return r
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req dispatch.CreateJobRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := h.Service.CreateJob(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

// ImportJob accepts a multipart form: a "recipients" CSV file plus the job
// fields as form values. "data" is an optional JSON object.
func (h *Handler) ImportJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("recipients")
	if err != nil {
		http.Error(w, "recipients file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	recipients, err := csvparser.ParseRecipients(file, h.MaxImportRows)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := dispatch.CreateJobRequest{
		TemplateRef: r.FormValue("template_ref"),
		Subject:     r.FormValue("subject"),
		HTML:        r.FormValue("html"),
		Text:        r.FormValue("text"),
		CreatedBy:   r.FormValue("created_by"),
		Recipients:  recipients,
	}

	if v := r.FormValue("data"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.Data); err != nil {
			http.Error(w, "data must be a JSON object", http.StatusBadRequest)
			return
		}
	}
	if v := r.FormValue("priority"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "priority must be an integer", http.StatusBadRequest)
			return
		}
		req.Priority = p
	}
	if v := r.FormValue("scheduled_for"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "scheduled_for must be RFC 3339", http.StatusBadRequest)
			return
		}
		req.ScheduledFor = &at
	}

	job, err := h.Service.CreateJob(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Service.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.Service.ListLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*models.DeliveryLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Service.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl models.UserTemplate

	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.Service.CreateTemplate(r.Context(), &tmpl); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tmpl)
}

func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl models.UserTemplate

	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tmpl.Name = chi.URLParam(r, "name")

	if err := h.Service.UpdateTemplate(r.Context(), &tmpl); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteTemplate(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deliveryCallback struct {
	MessageID string                `json:"message_id"`
	Status    models.DeliveryStatus `json:"status"`
}

func (h *Handler) DeliveryCallback(w http.ResponseWriter, r *http.Request) {
	var cb deliveryCallback

	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cb.Status = models.DeliveryStatus(strings.ToLower(string(cb.Status)))

	if err := h.Service.HandleCallback(r.Context(), cb.MessageID, cb.Status); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Health.Ping(ctx); err != nil {
		h.Log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, dispatch.ErrInvalidJob),
		errors.Is(err, dispatch.ErrInvalidCallback),
		errors.Is(err, templates.ErrRender),
		errors.Is(err, templates.ErrInvalidTemplate):
		status = http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound),
		errors.Is(err, templates.ErrTemplateNotFound):
		status = http.StatusNotFound
	case errors.Is(err, templates.ErrReservedName),
		errors.Is(err, templates.ErrTemplateExists),
		errors.Is(err, db.ErrNotCancellable),
		errors.Is(err, db.ErrTemplateInUse),
		errors.Is(err, db.ErrNotDispatched),
		errors.Is(err, db.ErrDuplicate):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
