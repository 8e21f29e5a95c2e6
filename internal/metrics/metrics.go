package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails accepted by the transport",
		},
	)

	EmailFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed emails by error code",
		},
		[]string{"code"},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Jobs that reached a terminal state through processing",
		},
		[]string{"status"},
	)

	TaskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "task_retries_total",
			Help: "Queue tasks scheduled for another attempt",
		},
	)

	TasksDead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_dead_total",
			Help: "Queue tasks that exhausted their attempts",
		},
	)

	CallbacksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_callbacks_total",
			Help: "Provider delivery callbacks by status",
		},
		[]string{"status"},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(JobsFinished)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(TasksDead)
	prometheus.MustRegister(CallbacksReceived)
}
