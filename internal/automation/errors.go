package automation

import "errors"

// ErrSequenceNotActive is returned by manual and audience enrollment into a
// sequence that is not active.
var ErrSequenceNotActive = errors.New("sequence is not active")
