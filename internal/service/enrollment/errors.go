package enrollment

import "errors"

// Sentinel errors for the enrollment store and service.
var (
	ErrNotFound        = errors.New("enrollment not found")
	ErrDuplicateActive = errors.New("contact already has an active enrollment in this sequence")
	ErrNotActive       = errors.New("enrollment is not active")
	ErrClaimLost       = errors.New("enrollment claim lost")
)
