package enrollment

import (
	"context"
	"time"

	"github.com/ignite/sequence-engine/internal/domain"
)

// Repository defines the data access contract for enrollments and step logs.
// Implementations must be safe for concurrent use and must enforce at most
// one active enrollment per (sequence, contact).
type Repository interface {
	// Enroll inserts e if the contact passes the eligibility rule, atomically
	// with the eligibility check. It returns false when the contact is not
	// eligible, including when an active enrollment already exists.
	Enroll(ctx context.Context, e *domain.Enrollment, rule Eligibility) (bool, error)

	// Get returns a single enrollment. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Enrollment, error)

	// List returns enrollments of a sequence, newest first.
	List(ctx context.Context, sequenceID string, filter ListFilter) ([]domain.Enrollment, int, error)

	// StatusCounts counts enrollments of a sequence per status.
	StatusCounts(ctx context.Context, sequenceID string) (map[domain.EnrollmentStatus]int, error)

	// StepPerformance aggregates step logs of a sequence per step order.
	StepPerformance(ctx context.Context, sequenceID string) ([]domain.StepStats, error)

	// Stop moves an active enrollment to stopped. Returns ErrNotActive when
	// it is already terminal.
	Stop(ctx context.Context, id, reason string, at time.Time) (*domain.Enrollment, error)

	// StopAll stops every active enrollment of a sequence.
	StopAll(ctx context.Context, sequenceID, reason string, at time.Time) (int, error)

	// ClaimDue leases up to limit active enrollments of active sequences
	// with NextStepAt <= now. Each claimed row gets NextStepAt = now+lease
	// and a fresh token, so a crashed worker's claim expires on its own.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Claim, error)

	// BeginDispatch is called right before a send. It verifies the claim is
	// still held and the enrollment active, then durably records that the
	// step is being dispatched. A marker written by an earlier claim yields
	// DispatchDuplicate.
	BeginDispatch(ctx context.Context, claim domain.Claim, stepOrder int) (domain.DispatchState, error)

	// Commit appends t.Logs and applies t if the claim still holds.
	// Returns ErrClaimLost otherwise; logs of a dispatched step are kept.
	Commit(ctx context.Context, claim domain.Claim, t domain.Transition) error

	// RecordSignal stamps a signal on the targeted enrollments, keeping the
	// first timestamp. Returns the number of enrollments changed.
	RecordSignal(ctx context.Context, target Target, kind domain.SignalKind, at time.Time) (int, error)

	// OptOut forces the targeted active enrollments to opted_out.
	OptOut(ctx context.Context, target Target, at time.Time) (int, error)

	// AppendLog appends a step log row.
	AppendLog(ctx context.Context, log domain.StepLog) error
}

// Eligibility is the per-contact enrollment rule beyond "no active
// enrollment", which every Enroll enforces.
type Eligibility struct {
	// NotEnrolledSince rejects contacts with any enrollment in the sequence
	// whose EnrolledAt is after this instant. Zero disables the check.
	NotEnrolledSince time.Time
	// NeverEnrolled rejects contacts with any prior enrollment at all.
	NeverEnrolled bool
}

// Target selects enrollments for a callback: one enrollment by ID, or
// every active enrollment of a contact when EnrollmentID is empty.
type Target struct {
	EnrollmentID string
	ContactID    string
}

// ListFilter controls pagination and filtering for enrollment lists.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}
