package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/service/enrollment"
)

// SignalStore is the part of the enrollment store delivery callbacks touch.
type SignalStore interface {
	Get(ctx context.Context, id string) (*domain.Enrollment, error)
	RecordSignal(ctx context.Context, target enrollment.Target, kind domain.SignalKind, at time.Time) (int, error)
	OptOut(ctx context.Context, target enrollment.Target, at time.Time) (int, error)
	AppendLog(ctx context.Context, log domain.StepLog) error
}

// deliveryLogNamespace seeds deterministic step log IDs for delivery
// reports so a redelivered report maps to the same row.
var deliveryLogNamespace = uuid.MustParse("6f1c9c8e-3d5a-4f4e-9a87-0c2b1d7e5a10")

// DeliveryEventHandler applies asynchronous gateway reports to enrollments.
// Every report is idempotent.
type DeliveryEventHandler struct {
	store SignalStore
	now   func() time.Time
}

// NewDeliveryEventHandler creates a handler.
func NewDeliveryEventHandler(store SignalStore) *DeliveryEventHandler {
	return &DeliveryEventHandler{store: store, now: time.Now}
}

// SetClock overrides the time source.
func (h *DeliveryEventHandler) SetClock(now func() time.Time) { h.now = now }

// Handle applies one report:
//
//	delivered, failed   append a step log row for the step
//	replied, clicked    stamp the signal, first timestamp wins
//	opted_out           force the enrollment(s) to opted_out at once
//
// Without an enrollment ID, signals and opt-outs apply to every active
// enrollment of the contact.
func (h *DeliveryEventHandler) Handle(ctx context.Context, ev domain.DeliveryEvent) error {
	if !ev.Type.Valid() {
		return domain.Invalid("event", "unknown delivery event %q", ev.Type)
	}
	if ev.EnrollmentID == "" && ev.ContactID == "" {
		return domain.Invalid("enrollment_id", "enrollment_id or contact_id is required")
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = h.now()
	}
	at = at.UTC()
	target := enrollment.Target{EnrollmentID: ev.EnrollmentID, ContactID: ev.ContactID}

	switch ev.Type {
	case domain.DeliveryDelivered, domain.DeliveryFailed:
		return h.appendOutcome(ctx, ev, at)

	case domain.DeliveryReplied, domain.DeliveryClicked:
		kind := domain.SignalReplied
		if ev.Type == domain.DeliveryClicked {
			kind = domain.SignalClicked
		}
		n, err := h.store.RecordSignal(ctx, target, kind, at)
		if err != nil {
			return fmt.Errorf("record %s: %w", kind, err)
		}
		logger.Debug("signal recorded", "signal", kind, "enrollment_id", ev.EnrollmentID,
			"contact_id", ev.ContactID, "changed", n)
		return nil

	case domain.DeliveryOptedOut:
		n, err := h.store.OptOut(ctx, target, at)
		if err != nil {
			return fmt.Errorf("opt out: %w", err)
		}
		logger.Info("contact opted out", "enrollment_id", ev.EnrollmentID, "contact_id", ev.ContactID, "enrollments", n)
		return nil
	}
	return nil
}

func (h *DeliveryEventHandler) appendOutcome(ctx context.Context, ev domain.DeliveryEvent, at time.Time) error {
	if ev.EnrollmentID == "" || ev.StepOrder < 1 {
		return domain.Invalid("step_order", "%s reports need enrollment_id and step_order", ev.Type)
	}
	e, err := h.store.Get(ctx, ev.EnrollmentID)
	if err != nil {
		return err
	}
	outcome := domain.OutcomeDelivered
	if ev.Type == domain.DeliveryFailed {
		outcome = domain.OutcomeFailed
	}
	key := fmt.Sprintf("%s:%d:%s:%s", e.ID, ev.StepOrder, outcome, ev.MessageID)
	return h.store.AppendLog(ctx, domain.StepLog{
		ID:           uuid.NewSHA1(deliveryLogNamespace, []byte(key)).String(),
		EnrollmentID: e.ID,
		SequenceID:   e.SequenceID,
		StepOrder:    ev.StepOrder,
		Outcome:      outcome,
		MessageID:    ev.MessageID,
		Detail:       "provider report",
		At:           at,
	})
}
