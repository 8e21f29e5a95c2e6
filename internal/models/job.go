package models

import (
	"strings"
	"time"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobScheduled  JobStatus = "scheduled"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Cancellable reports whether the job has not been picked up yet.
func (s JobStatus) Cancellable() bool {
	return s == JobQueued || s == JobScheduled
}

type Recipient struct {
	ID    string            `json:"id"`
	Email string            `json:"email"`
	Name  string            `json:"name,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

type Job struct {
	ID  string `json:"id"`
	Ref string `json:"ref"`

	// Either TemplateRef or inline content is set, never both.
	TemplateRef string         `json:"template_ref,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	HTML        string         `json:"html,omitempty"`
	Text        string         `json:"text,omitempty"`
	Data        map[string]any `json:"data,omitempty"`

	Recipients []Recipient `json:"recipients"`

	TotalCount  int `json:"total_count"`
	SentCount   int `json:"sent_count"`
	FailedCount int `json:"failed_count"`

	Status    JobStatus `json:"status"`
	Priority  int       `json:"priority"`
	CreatedBy string    `json:"created_by,omitempty"`
	LastError string    `json:"last_error,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
}

// Inline reports whether the job carries its own content instead of a template reference.
func (j *Job) Inline() bool {
	return strings.TrimSpace(j.TemplateRef) == ""
}

// Clone returns a copy that shares nothing mutable with j.
func (j *Job) Clone() *Job {
	c := *j
	c.Recipients = make([]Recipient, len(j.Recipients))
	for i, r := range j.Recipients {
		c.Recipients[i] = r
		if r.Data != nil {
			c.Recipients[i].Data = make(map[string]string, len(r.Data))
			for k, v := range r.Data {
				c.Recipients[i].Data[k] = v
			}
		}
	}
	if j.Data != nil {
		c.Data = make(map[string]any, len(j.Data))
		for k, v := range j.Data {
			c.Data[k] = v
		}
	}
	c.ScheduledFor = cloneTime(j.ScheduledFor)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.FailedAt = cloneTime(j.FailedAt)
	c.CancelledAt = cloneTime(j.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
