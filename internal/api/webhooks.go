package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/pkg/httputil"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
)

// DeliveryReceiver accepts one gateway delivery report. The worker's
// DeliveryEventHandler applies it inline; a tracking.Publisher queues it.
type DeliveryReceiver interface {
	Handle(ctx context.Context, ev domain.DeliveryEvent) error
}

// DeliveryReceiverFunc adapts a function, such as tracking.Publisher.Enqueue,
// to DeliveryReceiver.
type DeliveryReceiverFunc func(ctx context.Context, ev domain.DeliveryEvent) error

func (f DeliveryReceiverFunc) Handle(ctx context.Context, ev domain.DeliveryEvent) error {
	return f(ctx, ev)
}

// DeliveryWebhook handles POST /webhooks/delivery. The body is a single
// event or an array of events.
func (h *Handlers) DeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	if h.delivery == nil {
		httputil.Problem(w, r, http.StatusServiceUnavailable, "unavailable", "delivery webhook not configured")
		return
	}
	var raw deliveryBatch
	if !httputil.Decode(w, r, &raw) {
		return
	}
	for _, ev := range raw {
		if !ev.Type.Valid() {
			httputil.BadRequest(w, r, "unknown delivery event "+string(ev.Type))
			return
		}
		if ev.EnrollmentID == "" && ev.ContactID == "" {
			httputil.BadRequest(w, r, "enrollment_id or contact_id is required")
			return
		}
	}
	for _, ev := range raw {
		if err := h.delivery.Handle(r.Context(), ev); err != nil {
			logger.Error("delivery webhook: apply failed",
				"enrollment_id", ev.EnrollmentID, "event", ev.Type, "error", err)
			respondError(w, r, err)
			return
		}
	}
	httputil.Accepted(w, map[string]int{"accepted": len(raw)})
}

// deliveryBatch decodes either one event object or an array of them.
type deliveryBatch []domain.DeliveryEvent

func (b *deliveryBatch) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var many []domain.DeliveryEvent
		if err := json.Unmarshal(data, &many); err != nil {
			return err
		}
		*b = many
		return nil
	}
	var one domain.DeliveryEvent
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*b = deliveryBatch{one}
	return nil
}
