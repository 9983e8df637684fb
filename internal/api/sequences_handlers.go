package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/pkg/httputil"
	"github.com/ignite/sequence-engine/internal/service/sequence"
)

// ListSequences handles GET /api/v1/sequences?workspace_id=&status=&page=&limit=
func (h *Handlers) ListSequences(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		httputil.BadRequest(w, r, "workspace_id is required")
		return
	}
	page, limit := pageParams(r)
	items, total, err := h.sequences.List(r.Context(), workspaceID, sequence.ListFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.Sequence{}
	}
	httputil.OK(w, map[string]any{
		"sequences":  items,
		"pagination": newPageMeta(page, limit, total),
	})
}

// CreateSequence handles POST /api/v1/sequences. Steps given inline are
// appended in order after the draft is created.
func (h *Handlers) CreateSequence(w http.ResponseWriter, r *http.Request) {
	var req createSequenceRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	seq, err := h.sequences.Create(r.Context(), req.input())
	if err != nil {
		respondError(w, r, err)
		return
	}
	for _, st := range req.Steps {
		in := st.input()
		in.Position = 0
		if _, err := h.sequences.AddStep(r.Context(), seq.ID, in); err != nil {
			_ = h.sequences.Delete(r.Context(), seq.ID)
			respondError(w, r, err)
			return
		}
	}
	if len(req.Steps) > 0 {
		if seq, err = h.sequences.Get(r.Context(), seq.ID); err != nil {
			respondError(w, r, err)
			return
		}
	}
	httputil.Created(w, seq)
}

// GetSequence returns the sequence with its steps and enrollment counts.
func (h *Handlers) GetSequence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sequenceID")
	seq, err := h.sequences.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	counts, err := h.enrollments.StatusCounts(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, map[string]any{
		"sequence":          seq,
		"enrollment_counts": counts,
	})
}

func (h *Handlers) UpdateSequence(w http.ResponseWriter, r *http.Request) {
	var req updateSequenceRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	seq, err := h.sequences.Update(r.Context(), chi.URLParam(r, "sequenceID"), req.fields())
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, seq)
}

func (h *Handlers) DeleteSequence(w http.ResponseWriter, r *http.Request) {
	if err := h.sequences.Delete(r.Context(), chi.URLParam(r, "sequenceID")); err != nil {
		respondError(w, r, err)
		return
	}
	httputil.NoContent(w)
}

func (h *Handlers) ActivateSequence(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.sequences.Activate)
}

func (h *Handlers) PauseSequence(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.sequences.Pause)
}

func (h *Handlers) ArchiveSequence(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.sequences.Archive)
}

// lifecycle runs one status transition on the sequence in the URL.
func (h *Handlers) lifecycle(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, string) (*domain.Sequence, error)) {
	seq, err := fn(r.Context(), chi.URLParam(r, "sequenceID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, seq)
}

func (h *Handlers) AddStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	step, err := h.sequences.AddStep(r.Context(), chi.URLParam(r, "sequenceID"), req.input())
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.Created(w, step)
}

func (h *Handlers) UpdateStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	step, err := h.sequences.UpdateStep(r.Context(),
		chi.URLParam(r, "sequenceID"), chi.URLParam(r, "stepID"), req.input())
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, step)
}

func (h *Handlers) DeleteStep(w http.ResponseWriter, r *http.Request) {
	err := h.sequences.DeleteStep(r.Context(), chi.URLParam(r, "sequenceID"), chi.URLParam(r, "stepID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.NoContent(w)
}

// ReorderSteps handles POST /api/v1/sequences/{id}/steps/reorder. The body
// lists every step ID in its new order.
func (h *Handlers) ReorderSteps(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	steps, err := h.sequences.ReorderSteps(r.Context(), chi.URLParam(r, "sequenceID"), req.StepIDs)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, map[string]any{"steps": steps})
}
