package sequence

import "errors"

// Sentinel errors for the sequence service layer.
var (
	ErrNotFound          = errors.New("sequence not found")
	ErrStepNotFound      = errors.New("step not found")
	ErrNoSteps           = errors.New("sequence has no steps")
	ErrNotEditable       = errors.New("sequence must be draft or paused to edit")
	ErrActive            = errors.New("active sequences cannot be deleted")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidOrder      = errors.New("step order must list every step exactly once")
)
