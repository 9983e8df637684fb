package domain

import (
	"errors"
	"fmt"
)

// Lookup errors returned by contact and workspace directories.
var (
	ErrContactNotFound   = errors.New("contact not found")
	ErrWorkspaceNotFound = errors.New("workspace not found")
)

// ValidationError reports malformed input for a single field. It is always
// surfaced to the caller and never silently corrected.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid builds a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
