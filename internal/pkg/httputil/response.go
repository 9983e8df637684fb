package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/moogar0880/problems"

	"github.com/ignite/sequence-engine/internal/pkg/logger"
)

// ProblemContentType is the RFC 7807 media type.
const ProblemContentType = "application/problem+json"

// JSON writes a JSON response with the given status code. The data is
// serialized and Content-Type is set automatically.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("httputil: JSON encode error", "error", err)
	}
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Created writes a 201 response with the given data.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// Accepted writes a 202 response with the given data.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, data)
}

// NoContent writes a 204 response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Problem writes an RFC 7807 problem document.
func Problem(w http.ResponseWriter, r *http.Request, status int, typ, detail string) {
	p := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(typ).
		WithDetail(detail)
	writeProblem(w, status, p)
}

// BadRequest writes a 400 validation problem.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	Problem(w, r, http.StatusBadRequest, "validation_error", detail)
}

// NotFound writes a 404 problem.
func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	Problem(w, r, http.StatusNotFound, "not_found", detail)
}

// Conflict writes a 409 problem.
func Conflict(w http.ResponseWriter, r *http.Request, detail string) {
	Problem(w, r, http.StatusConflict, "conflict", detail)
}

// InternalError writes a 500 problem. The real error is logged, the
// client only sees a generic detail.
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	logger.Error("internal error", "method", r.Method, "path", r.URL.Path, "error", err)
	Problem(w, r, http.StatusInternalServerError, "internal_error", "internal server error")
}

func writeProblem(w http.ResponseWriter, status int, p any) {
	w.Header().Set("Content-Type", ProblemContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		logger.Error("httputil: problem encode error", "error", err)
	}
}

// Decode reads JSON from the request body into dst, rejecting unknown
// fields. Returns false and writes a 400 problem if parsing fails.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		BadRequest(w, r, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
