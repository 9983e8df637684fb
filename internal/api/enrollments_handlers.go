package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/sequence-engine/internal/automation"
	"github.com/ignite/sequence-engine/internal/pkg/httputil"
)

// EnrollContacts handles POST /api/v1/sequences/{id}/enrollments. The body
// names contacts explicitly or sets "audience": true to enroll every match
// of the sequence's audience. Ineligible contacts are counted as skipped.
func (h *Handlers) EnrollContacts(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "sequenceID")

	var (
		res automation.Result
		err error
	)
	if req.Audience {
		res, err = h.listener.EnrollByAudience(r.Context(), id)
	} else {
		res, err = h.listener.Enroll(r.Context(), id, req.ContactIDs)
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, res)
}

// ListEnrollments handles GET /api/v1/sequences/{id}/enrollments?status=&page=&limit=
func (h *Handlers) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sequenceID")
	if _, err := h.sequences.Get(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	page, limit := pageParams(r)
	res, err := h.enrollments.List(r.Context(), id, r.URL.Query().Get("status"), page, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, map[string]any{
		"enrollments": res.Items,
		"pagination":  newPageMeta(res.Page, res.Limit, res.Total),
	})
}

// StepPerformance returns per-step send, failure and skip counts.
func (h *Handlers) StepPerformance(w http.ResponseWriter, r *http.Request) {
	seq, err := h.sequences.Get(r.Context(), chi.URLParam(r, "sequenceID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	stats, err := h.enrollments.StepPerformance(r.Context(), seq)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, map[string]any{
		"sequence_id": seq.ID,
		"steps":       stats,
	})
}

func (h *Handlers) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := h.enrollments.Get(r.Context(), chi.URLParam(r, "enrollmentID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, e)
}

// StopEnrollment handles POST /api/v1/enrollments/{id}/stop. An empty body
// stops with reason "manual".
func (h *Handlers) StopEnrollment(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if r.ContentLength != 0 {
		if !h.decodeValid(w, r, &req) {
			return
		}
	}
	e, err := h.enrollments.Stop(r.Context(), chi.URLParam(r, "enrollmentID"), req.Reason)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, e)
}
