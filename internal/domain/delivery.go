package domain

import "time"

// OutboundMessage is a fully rendered message ready for the delivery gateway.
type OutboundMessage struct {
	EnrollmentID string  `json:"enrollment_id"`
	SequenceID   string  `json:"sequence_id"`
	StepOrder    int     `json:"step_order"`
	ContactID    string  `json:"contact_id"`
	Channel      Channel `json:"channel"`
	To           string  `json:"to"`
	FromName     string  `json:"from_name,omitempty"`
	FromAddress  string  `json:"from_address,omitempty"`
	Subject      string  `json:"subject,omitempty"`
	Body         string  `json:"body"`
	// IdempotencyKey is stable per (enrollment, step).
	IdempotencyKey string `json:"idempotency_key"`
}

// SendResult is the gateway's synchronous answer.
type SendResult struct {
	Accepted  bool      `json:"accepted"`
	MessageID string    `json:"message_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// DeliveryEventType enumerates asynchronous gateway reports.
type DeliveryEventType string

const (
	DeliveryDelivered DeliveryEventType = "delivered"
	DeliveryFailed    DeliveryEventType = "failed"
	DeliveryReplied   DeliveryEventType = "replied"
	DeliveryClicked   DeliveryEventType = "clicked"
	DeliveryOptedOut  DeliveryEventType = "opted_out"
)

// Valid reports whether t is a known event type.
func (t DeliveryEventType) Valid() bool {
	switch t {
	case DeliveryDelivered, DeliveryFailed, DeliveryReplied, DeliveryClicked, DeliveryOptedOut:
		return true
	}
	return false
}

// DeliveryEvent is an asynchronous report about a sent step.
type DeliveryEvent struct {
	ContactID    string            `json:"contact_id"`
	EnrollmentID string            `json:"enrollment_id"`
	StepOrder    int               `json:"step_order"`
	Type         DeliveryEventType `json:"event"`
	MessageID    string            `json:"message_id,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// ContactEventType enumerates domain events published by the CRM.
type ContactEventType string

const (
	ContactCreated       ContactEventType = "contact_created"
	ContactKeywordJoined ContactEventType = "keyword_joined"
	ContactStageChanged  ContactEventType = "stage_changed"
)

// ContactEvent is a domain event carrying a contact reference.
type ContactEvent struct {
	ID         string           `json:"id"`
	Type       ContactEventType `json:"type"`
	Contact    Contact          `json:"contact"`
	Keyword    string           `json:"keyword,omitempty"`
	Stage      string           `json:"stage,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}
