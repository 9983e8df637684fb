package automation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/sequence-engine/internal/automation"
	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/repository/memory"
	"github.com/ignite/sequence-engine/internal/service/enrollment"
	"github.com/ignite/sequence-engine/internal/service/sequence"
)

var now = time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memory.Store
	listener *automation.Listener
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), clock: now}
	for _, c := range []domain.Contact{
		{ID: "c1", WorkspaceID: "ws", Stage: "lead", Phone: "+15550001"},
		{ID: "c2", WorkspaceID: "ws", Stage: "customer", Phone: "+15550002"},
		{ID: "c3", WorkspaceID: "ws", Stage: "lead", Phone: "+15550003"},
	} {
		f.store.PutContact(c)
	}
	f.listener = automation.NewListener(f.store.Sequences(), f.store.Enrollments(), f.store).
		WithClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) sequence(t *testing.T, id string, status domain.SequenceStatus, trigger domain.Trigger, audience domain.Audience, capDays *int) *domain.Sequence {
	t.Helper()
	seq := &domain.Sequence{
		ID: id, WorkspaceID: "ws", Name: id, Status: status,
		Trigger: trigger, Audience: audience, FrequencyCapDays: capDays, Timezone: "UTC",
		Steps: []domain.Step{{
			ID: id + "-1", SequenceID: id, Order: 1, Channel: domain.ChannelSMS, Body: "hi",
			DelayMinutes: 30, Condition: domain.NoCondition{},
		}},
	}
	require.NoError(t, f.store.Sequences().Create(context.Background(), seq))
	return seq
}

func TestEnroll_Manual(t *testing.T) {
	f := newFixture(t)
	seq := f.sequence(t, "s", domain.SequenceActive, domain.ManualTrigger{}, domain.AllContacts{}, nil)
	ctx := context.Background()

	res, err := f.listener.Enroll(ctx, seq.ID, []string{"c1", "c2", "c1", " "})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enrolled)
	assert.Equal(t, 2, res.Skipped)
	require.Len(t, res.EnrollmentIDs, 2)

	e, err := f.store.Enrollments().Get(ctx, res.EnrollmentIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentActive, e.Status)
	assert.Equal(t, domain.SourceManual, e.Source)
	assert.Equal(t, 1, e.CurrentStep)
	assert.Equal(t, now.Add(30*time.Minute), *e.NextStepAt)

	res, err = f.listener.Enroll(ctx, seq.ID, []string{"c1"})
	require.NoError(t, err)
	assert.Equal(t, automation.Result{Skipped: 1}, res, "already active")
}

func TestEnroll_NotActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft := f.sequence(t, "d", domain.SequenceDraft, domain.ManualTrigger{}, domain.AllContacts{}, nil)

	_, err := f.listener.Enroll(ctx, draft.ID, []string{"c1"})
	assert.ErrorIs(t, err, automation.ErrSequenceNotActive)
	_, err = f.listener.EnrollByAudience(ctx, draft.ID)
	assert.ErrorIs(t, err, automation.ErrSequenceNotActive)
	_, err = f.listener.Enroll(ctx, "missing", []string{"c1"})
	assert.ErrorIs(t, err, sequence.ErrNotFound)
}

func TestEnroll_FrequencyCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	days := 7
	seq := f.sequence(t, "s", domain.SequenceActive, domain.ManualTrigger{}, domain.AllContacts{}, &days)

	res, err := f.listener.Enroll(ctx, seq.ID, []string{"c1"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Enrolled)
	_, err = f.store.Enrollments().Stop(ctx, res.EnrollmentIDs[0], "manual", now)
	require.NoError(t, err)

	f.clock = now.AddDate(0, 0, 3)
	res, err = f.listener.Enroll(ctx, seq.ID, []string{"c1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped, "inside the cap")

	f.clock = now.AddDate(0, 0, 8)
	res, err = f.listener.Enroll(ctx, seq.ID, []string{"c1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enrolled)
}

func TestEnrollByAudience(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq := f.sequence(t, "s", domain.SequenceActive, domain.ManualTrigger{}, domain.StageAudience{Stage: "lead"}, nil)

	res, err := f.listener.EnrollByAudience(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enrolled)

	res, err = f.listener.EnrollByAudience(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enrolled)
	assert.Equal(t, 2, res.Skipped)

	page, err := enrollment.NewService(f.store.Enrollments()).List(ctx, seq.ID, "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	for _, e := range page.Items {
		assert.Equal(t, domain.SourceAudience, e.Source)
	}
}

func TestOnContactCreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq := f.sequence(t, "welcome", domain.SequenceActive, domain.ContactCreatedTrigger{}, domain.AllContacts{}, nil)
	f.sequence(t, "paused", domain.SequencePaused, domain.ContactCreatedTrigger{}, domain.AllContacts{}, nil)
	f.sequence(t, "leads", domain.SequenceActive, domain.ContactCreatedTrigger{}, domain.StageAudience{Stage: "lead"}, nil)

	c := domain.Contact{ID: "c2", WorkspaceID: "ws", Stage: "customer"}
	res, err := f.listener.OnContactCreated(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enrolled)
	assert.Equal(t, 1, res.Skipped, "audience mismatch")

	other := domain.Contact{ID: "x", WorkspaceID: "elsewhere"}
	res, err = f.listener.OnContactCreated(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, automation.Result{}, res)

	// redelivery after the first enrollment finished must not re-enroll
	_, err = f.store.Enrollments().StopAll(ctx, seq.ID, "manual", now)
	require.NoError(t, err)
	res, err = f.listener.OnContactCreated(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enrolled)
}

func TestOnKeywordJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sequence(t, "promo", domain.SequenceActive, domain.KeywordJoinTrigger{Keyword: "PROMO"}, domain.AllContacts{}, nil)
	f.sequence(t, "vip", domain.SequenceActive, domain.KeywordJoinTrigger{Keyword: "VIP"}, domain.AllContacts{}, nil)

	res, err := f.listener.OnKeywordJoin(ctx, domain.Contact{ID: "c1", WorkspaceID: "ws"}, "promo")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enrolled)

	res, err = f.listener.OnKeywordJoin(ctx, domain.Contact{ID: "c1", WorkspaceID: "ws"}, "other")
	require.NoError(t, err)
	assert.Equal(t, automation.Result{}, res)
}

func TestOnStageChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sequence(t, "won", domain.SequenceActive, domain.StageChangeTrigger{Stage: "customer"}, domain.StageAudience{Stage: "customer"}, nil)

	res, err := f.listener.OnStageChange(ctx, domain.Contact{ID: "c1", WorkspaceID: "ws", Stage: "lead"}, "Customer")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enrolled, "audience sees the new stage")

	res, err = f.listener.OnStageChange(ctx, domain.Contact{ID: "c3", WorkspaceID: "ws"}, "lead")
	require.NoError(t, err)
	assert.Zero(t, res.Enrolled)
}

type failingWriter struct{}

func (failingWriter) Enroll(context.Context, *domain.Enrollment, enrollment.Eligibility) (bool, error) {
	return false, errors.New("db down")
}

type duplicateWriter struct{}

func (duplicateWriter) Enroll(context.Context, *domain.Enrollment, enrollment.Eligibility) (bool, error) {
	return false, enrollment.ErrDuplicateActive
}

func TestEnroll_WriterErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq := f.sequence(t, "s", domain.SequenceActive, domain.ManualTrigger{}, domain.AllContacts{}, nil)

	_, err := automation.NewListener(f.store.Sequences(), failingWriter{}, nil).Enroll(ctx, seq.ID, []string{"c1"})
	assert.ErrorContains(t, err, "db down")

	res, err := automation.NewListener(f.store.Sequences(), duplicateWriter{}, nil).Enroll(ctx, seq.ID, []string{"c1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	_, err = automation.NewListener(f.store.Sequences(), duplicateWriter{}, nil).EnrollByAudience(ctx, seq.ID)
	assert.Error(t, err, "no audience matcher")
}
