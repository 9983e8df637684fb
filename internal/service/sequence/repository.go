package sequence

import (
	"context"
	"time"

	"github.com/ignite/sequence-engine/internal/domain"
)

// Repository defines the data access contract for sequences and their steps.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a sequence with its steps ordered by Order.
	// Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Sequence, error)

	// List returns sequences of a workspace, newest first, without steps.
	List(ctx context.Context, workspaceID string, filter ListFilter) ([]domain.Sequence, int, error)

	// ListActiveByTrigger returns every active sequence with the given
	// trigger type, steps included.
	ListActiveByTrigger(ctx context.Context, trigger domain.TriggerType) ([]domain.Sequence, error)

	// Create inserts a new sequence and its steps.
	Create(ctx context.Context, s *domain.Sequence) error

	// Update persists the mutable metadata of s (not its steps or status).
	Update(ctx context.Context, s *domain.Sequence) error

	// ReplaceSteps atomically replaces the full step list of a sequence.
	ReplaceSteps(ctx context.Context, sequenceID string, steps []domain.Step) error

	// UpdateStatus moves a sequence from one status to another. Returns
	// ErrInvalidTransition if the current status is not from.
	UpdateStatus(ctx context.Context, id string, from, to domain.SequenceStatus) error

	// Delete removes a sequence together with its steps, enrollments and logs.
	Delete(ctx context.Context, id string) error
}

// EnrollmentStopper stops the active enrollments of a sequence.
type EnrollmentStopper interface {
	StopAll(ctx context.Context, sequenceID, reason string, at time.Time) (int, error)
}

// WorkspaceLookup resolves a workspace, used for the default timezone.
type WorkspaceLookup interface {
	GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error)
}

// ListFilter controls pagination and filtering for sequence lists.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

// UpdateFields holds the mutable metadata of a sequence.
// Nil fields are not applied.
type UpdateFields struct {
	Name             *string
	Description      *string
	Trigger          *domain.TriggerSpec
	Audience         *domain.AudienceSpec
	FrequencyCapDays *int
	// ClearFrequencyCap removes the cap and wins over FrequencyCapDays.
	ClearFrequencyCap bool
	Timezone          *string
}
