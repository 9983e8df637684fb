package api

import (
	"context"
	"net/http"

	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/pkg/httputil"
)

// ContactPublisher puts contact events on the bus. *automation.EventBus
// implements it.
type ContactPublisher interface {
	Publish(ctx context.Context, ev domain.ContactEvent) error
}

type contactRequest struct {
	ID           string            `json:"id" validate:"required"`
	WorkspaceID  string            `json:"workspace_id" validate:"required"`
	FirstName    string            `json:"first_name"`
	LastName     string            `json:"last_name"`
	Email        string            `json:"email" validate:"omitempty,email"`
	Phone        string            `json:"phone" validate:"omitempty,e164"`
	Stage        string            `json:"stage"`
	Categories   []string          `json:"categories"`
	CustomFields map[string]string `json:"custom_fields"`
}

type contactEventRequest struct {
	ID      string                  `json:"id"`
	Type    domain.ContactEventType `json:"type" validate:"required,oneof=contact_created keyword_joined stage_changed"`
	Contact contactRequest          `json:"contact"`
	Keyword string                  `json:"keyword" validate:"required_if=Type keyword_joined"`
	Stage   string                  `json:"stage" validate:"required_if=Type stage_changed"`
}

// PublishContactEvent handles POST /api/v1/events/contacts. The event is
// published to the contact bus and enrollment happens asynchronously.
func (h *Handlers) PublishContactEvent(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		httputil.Problem(w, r, http.StatusServiceUnavailable, "unavailable", "contact event bus not configured")
		return
	}
	var req contactEventRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	ev := domain.ContactEvent{
		ID:   req.ID,
		Type: req.Type,
		Contact: domain.Contact{
			ID:           req.Contact.ID,
			WorkspaceID:  req.Contact.WorkspaceID,
			FirstName:    req.Contact.FirstName,
			LastName:     req.Contact.LastName,
			Email:        req.Contact.Email,
			Phone:        req.Contact.Phone,
			Stage:        req.Contact.Stage,
			Categories:   req.Contact.Categories,
			CustomFields: req.Contact.CustomFields,
		},
		Keyword:    req.Keyword,
		Stage:      req.Stage,
		OccurredAt: h.now().UTC(),
	}
	if err := h.events.Publish(r.Context(), ev); err != nil {
		respondError(w, r, err)
		return
	}
	httputil.Accepted(w, map[string]string{"status": "queued"})
}
