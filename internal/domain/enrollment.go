package domain

import "time"

// EnrollmentStatus enumerates the states of an enrollment. Everything but
// active is terminal.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentStopped   EnrollmentStatus = "stopped"
	EnrollmentOptedOut  EnrollmentStatus = "opted_out"
)

// EnrollmentStatuses lists every status, in display order.
var EnrollmentStatuses = []EnrollmentStatus{
	EnrollmentActive, EnrollmentCompleted, EnrollmentStopped, EnrollmentOptedOut,
}

// Valid reports whether s is a known status.
func (s EnrollmentStatus) Valid() bool {
	for _, v := range EnrollmentStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Stop reasons recorded on stopped enrollments.
const (
	StopReasonCondition = "condition"
	StopReasonArchived  = "sequence_archived"
	StopReasonManual    = "manual"
)

// EnrollmentSource records which path created an enrollment.
type EnrollmentSource string

const (
	SourceManual   EnrollmentSource = "manual"
	SourceAudience EnrollmentSource = "audience"
	SourceTrigger  EnrollmentSource = "trigger"
)

// Signals are asynchronous facts reported for an enrollment after a send.
// The first occurrence of each signal wins.
type Signals struct {
	RepliedAt  *time.Time `json:"replied_at,omitempty"`
	ClickedAt  *time.Time `json:"clicked_at,omitempty"`
	OptedOutAt *time.Time `json:"opted_out_at,omitempty"`
}

func (s Signals) Replied() bool  { return s.RepliedAt != nil }
func (s Signals) Clicked() bool  { return s.ClickedAt != nil }
func (s Signals) OptedOut() bool { return s.OptedOutAt != nil }

// SignalKind selects a signal to record.
type SignalKind string

const (
	SignalReplied  SignalKind = "replied"
	SignalClicked  SignalKind = "clicked"
	SignalOptedOut SignalKind = "opted_out"
)

// Enrollment is a contact's progress through one sequence.
//
// NextStepAt is non-nil iff Status is active. At most one active enrollment
// exists per (SequenceID, ContactID).
type Enrollment struct {
	ID          string           `json:"id"`
	SequenceID  string           `json:"sequence_id"`
	ContactID   string           `json:"contact_id"`
	Status      EnrollmentStatus `json:"status"`
	Source      EnrollmentSource `json:"source"`
	CurrentStep int              `json:"current_step"`
	EnrolledAt  time.Time        `json:"enrolled_at"`
	NextStepAt  *time.Time       `json:"next_step_at"`
	// LastStepAt is when the previous step was attempted or skipped.
	LastStepAt    *time.Time `json:"last_step_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	StoppedReason string     `json:"stopped_reason,omitempty"`
	Signals       Signals    `json:"signals"`
}

// NewEnrollment builds an active enrollment at step 1, due after the first
// step's delay. seq must have at least one step.
func NewEnrollment(id string, seq *Sequence, contactID string, source EnrollmentSource, now time.Time) Enrollment {
	next := now
	if first, ok := seq.StepAt(1); ok {
		next = now.Add(first.Delay())
	}
	return Enrollment{
		ID:          id,
		SequenceID:  seq.ID,
		ContactID:   contactID,
		Status:      EnrollmentActive,
		Source:      source,
		CurrentStep: 1,
		EnrolledAt:  now,
		NextStepAt:  &next,
	}
}

// IsTerminal returns true once the enrollment can no longer progress.
func (e *Enrollment) IsTerminal() bool {
	return e.Status != EnrollmentActive
}

// StepOutcome is the recorded result of a step attempt.
type StepOutcome string

const (
	OutcomeSent      StepOutcome = "sent"
	OutcomeDelivered StepOutcome = "delivered"
	OutcomeFailed    StepOutcome = "failed"
	OutcomeSkipped   StepOutcome = "skipped"
)

// StepLog is an immutable, append-only record of a step execution or a
// later delivery report for it.
type StepLog struct {
	ID           string      `json:"id"`
	EnrollmentID string      `json:"enrollment_id"`
	SequenceID   string      `json:"sequence_id"`
	StepOrder    int         `json:"step_order"`
	Outcome      StepOutcome `json:"outcome"`
	MessageID    string      `json:"message_id,omitempty"`
	Detail       string      `json:"detail,omitempty"`
	At           time.Time   `json:"at"`
}

// StepStats aggregates StepLog outcomes for one step.
type StepStats struct {
	StepOrder int `json:"step_order"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Add counts one outcome.
func (s *StepStats) Add(o StepOutcome) {
	switch o {
	case OutcomeSent:
		s.Sent++
	case OutcomeDelivered:
		s.Delivered++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	}
}

// Claim is a due enrollment leased to one scheduler worker. Token must match
// for the worker's writes to apply.
type Claim struct {
	Enrollment Enrollment
	Token      string
	ClaimedAt  time.Time
}

// Transition is the state an enrollment moves to after a step is
// processed, together with the StepLogs it produced.
type Transition struct {
	Status        EnrollmentStatus
	CurrentStep   int
	NextStepAt    *time.Time
	LastStepAt    *time.Time
	CompletedAt   *time.Time
	StoppedAt     *time.Time
	StoppedReason string
	Logs          []StepLog
}

// Apply writes t onto e. Signals are left untouched.
func (t Transition) Apply(e *Enrollment) {
	e.Status = t.Status
	e.CurrentStep = t.CurrentStep
	e.NextStepAt = t.NextStepAt
	e.LastStepAt = t.LastStepAt
	e.CompletedAt = t.CompletedAt
	e.StoppedAt = t.StoppedAt
	e.StoppedReason = t.StoppedReason
}

// DispatchState is the answer to "may this step be sent now?".
type DispatchState int

const (
	// DispatchProceed: the marker was written; the caller owns the send.
	DispatchProceed DispatchState = iota
	// DispatchAborted: the enrollment left active or the claim was lost.
	DispatchAborted
	// DispatchDuplicate: a marker already existed; the step counts as attempted.
	DispatchDuplicate
)
