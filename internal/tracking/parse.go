package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ignite/sequence-engine/internal/delivery"
	"github.com/ignite/sequence-engine/internal/domain"
)

// ErrNotTracked is returned for SES notifications that carry no
// enrollment tags, i.e. mail the engine did not send.
var ErrNotTracked = errors.New("tracking: message has no enrollment tags")

type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

type sesNotification struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID   string              `json:"messageId"`
		Timestamp   time.Time           `json:"timestamp"`
		Tags        map[string][]string `json:"tags"`
		Destination []string            `json:"destination"`
	} `json:"mail"`
	Delivery *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"delivery"`
	Bounce *struct {
		BounceType string    `json:"bounceType"`
		Timestamp  time.Time `json:"timestamp"`
	} `json:"bounce"`
	Complaint *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"complaint"`
	Click *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"click"`
}

// ParseMessage decodes one queue message body into delivery events.
func ParseMessage(body []byte) ([]domain.DeliveryEvent, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Type == "Notification" && env.Message != "" {
		body = []byte(env.Message)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decode delivery report: %w", err)
	}
	if _, ok := fields["mail"]; ok {
		ev, err := parseSES(body)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			return nil, nil
		}
		return []domain.DeliveryEvent{*ev}, nil
	}

	var ev domain.DeliveryEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode delivery event: %w", err)
	}
	return []domain.DeliveryEvent{ev}, nil
}

// parseSES maps an SES event to a delivery event. Event kinds the engine
// does not track (Send, Open, DeliveryDelay, soft bounces) yield nil.
func parseSES(body []byte) (*domain.DeliveryEvent, error) {
	var n sesNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode ses event: %w", err)
	}
	kind := n.EventType
	if kind == "" {
		kind = n.NotificationType
	}

	ev := &domain.DeliveryEvent{
		EnrollmentID: tag(n.Mail.Tags, delivery.TagEnrollmentID),
		ContactID:    tag(n.Mail.Tags, delivery.TagContactID),
		MessageID:    n.Mail.MessageID,
		OccurredAt:   n.Mail.Timestamp,
	}
	if ev.EnrollmentID == "" && ev.ContactID == "" {
		return nil, ErrNotTracked
	}
	if order, err := strconv.Atoi(tag(n.Mail.Tags, delivery.TagStepOrder)); err == nil {
		ev.StepOrder = order
	}

	switch kind {
	case "Delivery":
		ev.Type = domain.DeliveryDelivered
		if n.Delivery != nil {
			ev.OccurredAt = n.Delivery.Timestamp
		}
	case "Bounce":
		if n.Bounce != nil && n.Bounce.BounceType != "Permanent" {
			return nil, nil
		}
		ev.Type = domain.DeliveryFailed
		if n.Bounce != nil {
			ev.OccurredAt = n.Bounce.Timestamp
		}
	case "Reject", "Rendering Failure", "RenderingFailure":
		ev.Type = domain.DeliveryFailed
	case "Click":
		ev.Type = domain.DeliveryClicked
		if n.Click != nil {
			ev.OccurredAt = n.Click.Timestamp
		}
	case "Complaint", "Subscription":
		ev.Type = domain.DeliveryOptedOut
		if n.Complaint != nil {
			ev.OccurredAt = n.Complaint.Timestamp
		}
	default:
		return nil, nil
	}
	return ev, nil
}

func tag(tags map[string][]string, key string) string {
	if v := tags[key]; len(v) > 0 && v[0] != "none" {
		return v[0]
	}
	return ""
}
