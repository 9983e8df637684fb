package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
)

// Service implements the sequence definition store. All public methods are
// safe for concurrent use if the underlying repository is.
//
// Edits are guarded by a status precondition, not a lock: the mutation path
// is editor driven and a concurrent activation simply wins or loses the
// status CAS in the repository.
type Service struct {
	repo       Repository
	stopper    EnrollmentStopper
	workspaces WorkspaceLookup
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEnrollmentStopper wires the enrollment store so archiving stops
// in-flight enrollments.
func WithEnrollmentStopper(st EnrollmentStopper) Option {
	return func(s *Service) { s.stopper = st }
}

// WithWorkspaces wires workspace lookup for default timezones.
func WithWorkspaces(w WorkspaceLookup) Option {
	return func(s *Service) { s.workspaces = w }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a sequence service backed by the given repository.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateInput holds the fields for creating a new sequence.
type CreateInput struct {
	WorkspaceID      string              `json:"workspace_id"`
	Name             string              `json:"name"`
	Description      string              `json:"description"`
	Trigger          domain.TriggerSpec  `json:"trigger"`
	Audience         domain.AudienceSpec `json:"audience"`
	FrequencyCapDays *int                `json:"frequency_cap_days"`
	Timezone         string              `json:"timezone"`
}

// StepInput holds the fields of a step. Position is only used by AddStep:
// 1-based insert position, zero or out of range appends.
type StepInput struct {
	Channel         domain.Channel       `json:"channel"`
	Subject         string               `json:"subject"`
	Body            string               `json:"body"`
	DelayMinutes    int                  `json:"delay_minutes"`
	Condition       domain.ConditionSpec `json:"condition"`
	SendWindowStart string               `json:"send_window_start"`
	SendWindowEnd   string               `json:"send_window_end"`
	Position        int                  `json:"position"`
}

// Get returns a sequence with its steps.
func (s *Service) Get(ctx context.Context, id string) (*domain.Sequence, error) {
	return s.repo.Get(ctx, id)
}

// List returns the sequences of a workspace matching the filter.
func (s *Service) List(ctx context.Context, workspaceID string, f ListFilter) ([]domain.Sequence, int, error) {
	if f.Status != "" && !domain.SequenceStatus(f.Status).Valid() {
		return nil, 0, domain.Invalid("status", "unknown sequence status %q", f.Status)
	}
	return s.repo.List(ctx, workspaceID, f)
}

// Create validates and persists a new sequence in draft status.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Sequence, error) {
	trigger, err := domain.ParseTrigger(in.Trigger)
	if err != nil {
		return nil, err
	}
	audience, err := domain.ParseAudience(in.Audience)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	seq := &domain.Sequence{
		ID:               uuid.New().String(),
		WorkspaceID:      in.WorkspaceID,
		Name:             in.Name,
		Description:      in.Description,
		Status:           domain.SequenceDraft,
		Trigger:          trigger,
		Audience:         audience,
		FrequencyCapDays: in.FrequencyCapDays,
		Timezone:         in.Timezone,
		Steps:            []domain.Step{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if seq.Timezone == "" {
		seq.Timezone = s.defaultTimezone(ctx, in.WorkspaceID)
	}
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, seq); err != nil {
		return nil, fmt.Errorf("create sequence: %w", err)
	}
	logger.Info("sequence created", "sequence_id", seq.ID, "workspace_id", seq.WorkspaceID)
	return seq, nil
}

func (s *Service) defaultTimezone(ctx context.Context, workspaceID string) string {
	if s.workspaces == nil || workspaceID == "" {
		return "UTC"
	}
	ws, err := s.workspaces.GetWorkspace(ctx, workspaceID)
	if err != nil || ws.Timezone == "" {
		return "UTC"
	}
	return ws.Timezone
}

// Update modifies sequence metadata. Only draft or paused sequences can be edited.
func (s *Service) Update(ctx context.Context, id string, u UpdateFields) (*domain.Sequence, error) {
	seq, err := s.editable(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		seq.Name = *u.Name
	}
	if u.Description != nil {
		seq.Description = *u.Description
	}
	if u.Trigger != nil {
		if seq.Trigger, err = domain.ParseTrigger(*u.Trigger); err != nil {
			return nil, err
		}
	}
	if u.Audience != nil {
		if seq.Audience, err = domain.ParseAudience(*u.Audience); err != nil {
			return nil, err
		}
	}
	switch {
	case u.ClearFrequencyCap:
		seq.FrequencyCapDays = nil
	case u.FrequencyCapDays != nil:
		days := *u.FrequencyCapDays
		seq.FrequencyCapDays = &days
	}
	if u.Timezone != nil {
		seq.Timezone = *u.Timezone
	}
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	seq.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, seq); err != nil {
		return nil, fmt.Errorf("update sequence: %w", err)
	}
	return seq, nil
}

// Delete removes a sequence that is not active.
func (s *Service) Delete(ctx context.Context, id string) error {
	seq, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if seq.Status == domain.SequenceActive {
		return ErrActive
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete sequence: %w", err)
	}
	logger.Info("sequence deleted", "sequence_id", id)
	return nil
}

// AddStep inserts a step and renumbers the sequence.
func (s *Service) AddStep(ctx context.Context, sequenceID string, in StepInput) (*domain.Step, error) {
	seq, err := s.editable(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	step, err := buildStep(in)
	if err != nil {
		return nil, err
	}
	step.ID = uuid.New().String()

	pos := in.Position
	if pos < 1 || pos > len(seq.Steps) {
		seq.Steps = append(seq.Steps, step)
	} else {
		steps := make([]domain.Step, 0, len(seq.Steps)+1)
		steps = append(steps, seq.Steps[:pos-1]...)
		steps = append(steps, step)
		steps = append(steps, seq.Steps[pos-1:]...)
		seq.Steps = steps
	}
	if err := s.saveSteps(ctx, seq); err != nil {
		return nil, err
	}
	for _, st := range seq.Steps {
		if st.ID == step.ID {
			return &st, nil
		}
	}
	return nil, ErrStepNotFound
}

// UpdateStep replaces the content of one step. Its position is unchanged.
func (s *Service) UpdateStep(ctx context.Context, sequenceID, stepID string, in StepInput) (*domain.Step, error) {
	seq, err := s.editable(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	idx := indexOfStep(seq.Steps, stepID)
	if idx < 0 {
		return nil, ErrStepNotFound
	}
	step, err := buildStep(in)
	if err != nil {
		return nil, err
	}
	step.ID = stepID
	seq.Steps[idx] = step
	if err := s.saveSteps(ctx, seq); err != nil {
		return nil, err
	}
	out := seq.Steps[idx]
	return &out, nil
}

// DeleteStep removes a step and closes the gap in the ordering.
func (s *Service) DeleteStep(ctx context.Context, sequenceID, stepID string) error {
	seq, err := s.editable(ctx, sequenceID)
	if err != nil {
		return err
	}
	idx := indexOfStep(seq.Steps, stepID)
	if idx < 0 {
		return ErrStepNotFound
	}
	seq.Steps = append(seq.Steps[:idx], seq.Steps[idx+1:]...)
	return s.saveSteps(ctx, seq)
}

// ReorderSteps applies a new order given as the full list of step IDs.
func (s *Service) ReorderSteps(ctx context.Context, sequenceID string, stepIDs []string) ([]domain.Step, error) {
	seq, err := s.editable(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if len(stepIDs) != len(seq.Steps) {
		return nil, ErrInvalidOrder
	}
	byID := make(map[string]domain.Step, len(seq.Steps))
	for _, st := range seq.Steps {
		byID[st.ID] = st
	}
	reordered := make([]domain.Step, 0, len(stepIDs))
	for _, id := range stepIDs {
		st, ok := byID[id]
		if !ok {
			return nil, ErrInvalidOrder
		}
		delete(byID, id)
		reordered = append(reordered, st)
	}
	seq.Steps = reordered
	if err := s.saveSteps(ctx, seq); err != nil {
		return nil, err
	}
	return seq.Steps, nil
}

// Activate moves a draft or paused sequence to active. A sequence without
// steps, or with an invalid step, cannot be activated.
func (s *Service) Activate(ctx context.Context, id string) (*domain.Sequence, error) {
	seq, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !seq.Editable() {
		return nil, ErrInvalidTransition
	}
	if len(seq.Steps) == 0 {
		return nil, ErrNoSteps
	}
	for _, st := range seq.Steps {
		if err := st.Validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", st.Order, err)
		}
	}
	return s.transition(ctx, seq, domain.SequenceActive)
}

// Pause stops progression of an active sequence. Its enrollments keep their
// schedule and resume on re-activation.
func (s *Service) Pause(ctx context.Context, id string) (*domain.Sequence, error) {
	seq, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if seq.Status != domain.SequenceActive {
		return nil, ErrInvalidTransition
	}
	return s.transition(ctx, seq, domain.SequencePaused)
}

// Archive retires a sequence for good and stops its active enrollments.
func (s *Service) Archive(ctx context.Context, id string) (*domain.Sequence, error) {
	seq, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if seq.Status == domain.SequenceArchived {
		return nil, ErrInvalidTransition
	}
	seq, err = s.transition(ctx, seq, domain.SequenceArchived)
	if err != nil {
		return nil, err
	}
	if s.stopper != nil {
		n, err := s.stopper.StopAll(ctx, id, domain.StopReasonArchived, s.now().UTC())
		if err != nil {
			return nil, fmt.Errorf("stop enrollments: %w", err)
		}
		logger.Info("sequence archived", "sequence_id", id, "stopped_enrollments", n)
	}
	return seq, nil
}

func (s *Service) transition(ctx context.Context, seq *domain.Sequence, to domain.SequenceStatus) (*domain.Sequence, error) {
	if err := s.repo.UpdateStatus(ctx, seq.ID, seq.Status, to); err != nil {
		return nil, err
	}
	logger.Info("sequence status changed", "sequence_id", seq.ID, "from", seq.Status, "to", to)
	seq.Status = to
	seq.UpdatedAt = s.now().UTC()
	return seq, nil
}

func (s *Service) editable(ctx context.Context, id string) (*domain.Sequence, error) {
	seq, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !seq.Editable() {
		return nil, ErrNotEditable
	}
	return seq, nil
}

func (s *Service) saveSteps(ctx context.Context, seq *domain.Sequence) error {
	seq.Renumber()
	if err := s.repo.ReplaceSteps(ctx, seq.ID, seq.Steps); err != nil {
		return fmt.Errorf("save steps: %w", err)
	}
	return nil
}

func buildStep(in StepInput) (domain.Step, error) {
	cond, err := domain.ParseCondition(in.Condition)
	if err != nil {
		return domain.Step{}, err
	}
	window, err := domain.NewSendWindow(in.SendWindowStart, in.SendWindowEnd)
	if err != nil {
		return domain.Step{}, err
	}
	step := domain.Step{
		Channel:      in.Channel,
		Subject:      in.Subject,
		Body:         in.Body,
		DelayMinutes: in.DelayMinutes,
		Condition:    cond,
		Window:       window,
	}
	if err := step.Validate(); err != nil {
		return domain.Step{}, err
	}
	return step, nil
}

func indexOfStep(steps []domain.Step, id string) int {
	for i, st := range steps {
		if st.ID == id {
			return i
		}
	}
	return -1
}
