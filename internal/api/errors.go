package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ignite/sequence-engine/internal/automation"
	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/pkg/httputil"
	"github.com/ignite/sequence-engine/internal/service/enrollment"
	"github.com/ignite/sequence-engine/internal/service/sequence"
)

// respondError maps service errors onto problem documents.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case domain.IsValidation(err), errors.Is(err, sequence.ErrInvalidOrder):
		httputil.BadRequest(w, r, err.Error())

	case errors.Is(err, sequence.ErrNotFound),
		errors.Is(err, sequence.ErrStepNotFound),
		errors.Is(err, enrollment.ErrNotFound):
		httputil.NotFound(w, r, err.Error())

	case errors.Is(err, sequence.ErrNotEditable),
		errors.Is(err, sequence.ErrActive),
		errors.Is(err, sequence.ErrInvalidTransition),
		errors.Is(err, sequence.ErrNoSteps),
		errors.Is(err, enrollment.ErrNotActive),
		errors.Is(err, automation.ErrSequenceNotActive):
		httputil.Conflict(w, r, err.Error())

	default:
		httputil.InternalError(w, r, err)
	}
}

// validationDetail flattens validator errors into one readable line.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}

// decodeValid decodes the body into dst and runs struct validation.
func (h *Handlers) decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if !httputil.Decode(w, r, dst) {
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		httputil.BadRequest(w, r, validationDetail(err))
		return false
	}
	return true
}
