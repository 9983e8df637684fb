package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/service/enrollment"
	"github.com/ignite/sequence-engine/internal/service/sequence"
)

var t0 = time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)

func putSequence(t *testing.T, s *Store, status domain.SequenceStatus) *domain.Sequence {
	t.Helper()
	seq := &domain.Sequence{
		ID: "seq-" + string(status), WorkspaceID: "ws", Name: "n", Status: status,
		Trigger: domain.ManualTrigger{}, Audience: domain.AllContacts{},
		Steps: []domain.Step{{ID: "st", Order: 1, Channel: domain.ChannelSMS, Body: "b", Condition: domain.NoCondition{}}},
	}
	require.NoError(t, s.Sequences().Create(context.Background(), seq))
	return seq
}

func mustEnroll(t *testing.T, s *Store, seq *domain.Sequence, id, contact string, at time.Time, rule enrollment.Eligibility) bool {
	t.Helper()
	e := domain.NewEnrollment(id, seq, contact, domain.SourceManual, at)
	ok, err := s.Enrollments().Enroll(context.Background(), &e, rule)
	require.NoError(t, err)
	return ok
}

func TestEnroll_Eligibility(t *testing.T) {
	s := New()
	seq := putSequence(t, s, domain.SequenceActive)
	ctx := context.Background()

	assert.True(t, mustEnroll(t, s, seq, "e1", "c1", t0, enrollment.Eligibility{}))
	assert.False(t, mustEnroll(t, s, seq, "e2", "c1", t0, enrollment.Eligibility{}), "one active enrollment per contact")

	_, err := s.Enrollments().Stop(ctx, "e1", "manual", t0)
	require.NoError(t, err)

	assert.False(t, mustEnroll(t, s, seq, "e3", "c1", t0.Add(time.Hour), enrollment.Eligibility{NeverEnrolled: true}))
	assert.False(t, mustEnroll(t, s, seq, "e4", "c1", t0.Add(time.Hour),
		enrollment.Eligibility{NotEnrolledSince: t0.Add(-24 * time.Hour)}), "inside frequency cap")
	assert.True(t, mustEnroll(t, s, seq, "e5", "c1", t0.Add(48*time.Hour),
		enrollment.Eligibility{NotEnrolledSince: t0.Add(24 * time.Hour)}))
}

func TestClaimDue_LeaseAndToken(t *testing.T) {
	s := New()
	ctx := context.Background()
	active := putSequence(t, s, domain.SequenceActive)
	paused := putSequence(t, s, domain.SequencePaused)
	mustEnroll(t, s, active, "due", "c1", t0.Add(-time.Minute), enrollment.Eligibility{})
	mustEnroll(t, s, active, "later", "c2", t0.Add(time.Hour), enrollment.Eligibility{})
	mustEnroll(t, s, paused, "paused", "c3", t0.Add(-time.Minute), enrollment.Eligibility{})
	repo := s.Enrollments()

	claims, err := repo.ClaimDue(ctx, t0, 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	claim := claims[0]
	assert.Equal(t, "due", claim.Enrollment.ID)

	again, err := repo.ClaimDue(ctx, t0.Add(time.Minute), 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased rows are not due")

	state, err := repo.BeginDispatch(ctx, claim, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchProceed, state)

	// lease expires and another worker takes over
	retaken, err := repo.ClaimDue(ctx, t0.Add(10*time.Minute), 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, retaken, 1)

	state, err = repo.BeginDispatch(ctx, claim, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchAborted, state, "stale claim")
	state, err = repo.BeginDispatch(ctx, retaken[0], 1)
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchDuplicate, state, "marker from the first claim")

	next := t0.Add(time.Hour)
	log := domain.StepLog{ID: "l1", EnrollmentID: "due", SequenceID: active.ID, StepOrder: 1, Outcome: domain.OutcomeSent}
	err = repo.Commit(ctx, claim, domain.Transition{Status: domain.EnrollmentActive, CurrentStep: 2, NextStepAt: &next, Logs: []domain.StepLog{log}})
	assert.ErrorIs(t, err, enrollment.ErrClaimLost)
	assert.Len(t, repo.Logs(), 1, "dispatched step keeps its log")

	done := t0.Add(11 * time.Minute)
	require.NoError(t, repo.Commit(ctx, retaken[0], domain.Transition{Status: domain.EnrollmentCompleted, CurrentStep: 1, CompletedAt: &done}))
	e, err := repo.Get(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentCompleted, e.Status)
	assert.Nil(t, e.NextStepAt)
}

func TestSignalsAndOptOut(t *testing.T) {
	s := New()
	ctx := context.Background()
	seq := putSequence(t, s, domain.SequenceActive)
	mustEnroll(t, s, seq, "e1", "c1", t0, enrollment.Eligibility{})
	repo := s.Enrollments()

	n, err := repo.RecordSignal(ctx, enrollment.Target{EnrollmentID: "e1"}, domain.SignalReplied, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = repo.RecordSignal(ctx, enrollment.Target{ContactID: "c1"}, domain.SignalReplied, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "first reply wins")

	n, err = repo.OptOut(ctx, enrollment.Target{ContactID: "c1"}, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	e, err := repo.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentOptedOut, e.Status)
	assert.Equal(t, t0, *e.Signals.RepliedAt)
	assert.NotNil(t, e.Signals.OptedOutAt)
	assert.NotNil(t, e.StoppedAt)

	_, err = repo.RecordSignal(ctx, enrollment.Target{EnrollmentID: "e1"}, domain.SignalKind("bounced"), t0)
	assert.True(t, domain.IsValidation(err))
}

func TestSequences_StepsAndDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	seq := putSequence(t, s, domain.SequenceDraft)
	repo := s.Sequences()

	steps := []domain.Step{
		{ID: "a", Order: 1, Channel: domain.ChannelSMS, Body: "a", Condition: domain.NoCondition{}},
		{ID: "b", Order: 2, Channel: domain.ChannelSMS, Body: "b", Condition: domain.NoCondition{}},
	}
	require.NoError(t, repo.ReplaceSteps(ctx, seq.ID, steps))
	got, err := repo.Get(ctx, seq.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	got.Steps[0].Body = "mutated"
	again, err := repo.Get(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Steps[0].Body, "callers get copies")

	assert.ErrorIs(t, repo.UpdateStatus(ctx, seq.ID, domain.SequencePaused, domain.SequenceActive), sequence.ErrInvalidTransition)
	require.NoError(t, repo.UpdateStatus(ctx, seq.ID, domain.SequenceDraft, domain.SequenceActive))
	active, err := repo.ListActiveByTrigger(ctx, domain.TriggerManual)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	mustEnroll(t, s, again, "e1", "c1", t0, enrollment.Eligibility{})
	require.NoError(t, s.Enrollments().AppendLog(ctx, domain.StepLog{ID: "l1", EnrollmentID: "e1", SequenceID: seq.ID}))
	require.NoError(t, repo.Delete(ctx, seq.ID))
	_, err = repo.Get(ctx, seq.ID)
	assert.ErrorIs(t, err, sequence.ErrNotFound)
	_, err = s.Enrollments().Get(ctx, "e1")
	assert.ErrorIs(t, err, enrollment.ErrNotFound)
	assert.Empty(t, s.Enrollments().Logs())
}

func TestMatchAudience(t *testing.T) {
	s := New()
	ctx := context.Background()
	seq := putSequence(t, s, domain.SequenceActive)
	old := t0.AddDate(0, 0, -40)
	s.PutContact(domain.Contact{ID: "c1", WorkspaceID: "ws", Stage: "lead", LastActivityAt: &old})
	s.PutContact(domain.Contact{ID: "c2", WorkspaceID: "ws", Stage: "customer", LastActivityAt: &t0})
	s.PutContact(domain.Contact{ID: "c3", WorkspaceID: "other", Stage: "lead"})
	mustEnroll(t, s, seq, "e1", "c2", t0.Add(-time.Hour), enrollment.Eligibility{})

	ids, err := s.MatchAudience(ctx, domain.AudienceQuery{WorkspaceID: "ws", SequenceID: seq.ID, Audience: domain.AllContacts{}, Now: t0})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)

	ids, err = s.MatchAudience(ctx, domain.AudienceQuery{
		WorkspaceID: "ws", SequenceID: seq.ID, Audience: domain.AllContacts{},
		ExcludeEnrolledWithin: 24 * time.Hour, Now: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	ids, err = s.MatchAudience(ctx, domain.AudienceQuery{WorkspaceID: "ws", Audience: domain.InactiveAudience{Days: 30}, Now: t0})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	_, err = s.GetContact(ctx, "missing")
	assert.Error(t, err)
}
