package models

import "time"

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryBounced   DeliveryStatus = "bounced"
	DeliveryOpened    DeliveryStatus = "opened"
	DeliveryClicked   DeliveryStatus = "clicked"
)

// Dispatched reports whether the provider accepted the message. Provider
// callbacks only ever move a row from sent to one of the later states, so any
// of them means the recipient must not be sent to again.
func (s DeliveryStatus) Dispatched() bool {
	switch s {
	case DeliverySent, DeliveryDelivered, DeliveryBounced, DeliveryOpened, DeliveryClicked:
		return true
	}
	return false
}

// Advances reports whether a callback moving a row from s to next is progress.
// Late or repeated callbacks never move a row backwards.
func (s DeliveryStatus) Advances(next DeliveryStatus) bool {
	return s.Dispatched() && next.CallbackStatus() && next.stage() > s.stage()
}

func (s DeliveryStatus) stage() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered, DeliveryBounced:
		return 2
	case DeliveryOpened:
		return 3
	case DeliveryClicked:
		return 4
	}
	return 0
}

// CallbackStatus reports whether s may be set by a provider callback.
func (s DeliveryStatus) CallbackStatus() bool {
	switch s {
	case DeliveryDelivered, DeliveryBounced, DeliveryOpened, DeliveryClicked:
		return true
	}
	return false
}

type DeliveryLog struct {
	ID          int64          `json:"id"`
	JobID       string         `json:"job_id"`
	RecipientID string         `json:"recipient_id"`
	Email       string         `json:"email"`
	Status      DeliveryStatus `json:"status"`

	MessageID        string `json:"message_id,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
	Error            string `json:"error,omitempty"`
	ProviderResponse string `json:"provider_response,omitempty"`
	RetryCount       int    `json:"retry_count"`

	SentAt    *time.Time `json:"sent_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
