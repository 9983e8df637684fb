package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/service/enrollment"
	"github.com/ignite/sequence-engine/internal/service/sequence"
)

func setupDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

var (
	t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	sequenceCols = []string{"id", "workspace_id", "name", "description", "status", "trigger_type",
		"trigger_value", "audience", "frequency_cap_days", "timezone", "created_at", "updated_at"}
	stepCols = []string{"id", "sequence_id", "step_order", "channel", "subject", "body",
		"delay_minutes", "condition_type", "condition_action", "send_window_start", "send_window_end"}
	enrollmentCols = []string{"id", "sequence_id", "contact_id", "status", "source", "current_step",
		"enrolled_at", "next_step_at", "last_step_at", "completed_at", "stopped_at", "stopped_reason",
		"replied_at", "clicked_at", "opted_out_at"}
)

func activeClaim() domain.Claim {
	return domain.Claim{
		Enrollment: domain.Enrollment{ID: "enr-1", SequenceID: "seq-1", ContactID: "c-1",
			Status: domain.EnrollmentActive, CurrentStep: 1},
		Token:     "tok-1",
		ClaimedAt: t0,
	}
}

func TestSequenceRepo_Get(t *testing.T) {
	db, mock := setupDB(t)
	repo := NewSequenceRepo(db)

	mock.ExpectQuery(q("FROM sequences WHERE id = $1")).WithArgs("seq-1").
		WillReturnRows(sqlmock.NewRows(sequenceCols).AddRow(
			"seq-1", "ws-1", "Onboarding", "", "active", "keyword_join", "JOIN",
			[]byte(`{"type":"stage","stage":"lead"}`), 7, "America/Chicago", t0, t0))
	mock.ExpectQuery(q("FROM sequence_steps")).
		WillReturnRows(sqlmock.NewRows(stepCols).
			AddRow("st-1", "seq-1", 1, "sms", "", "Hi {{first_name}}", 0, "none", "", nil, nil).
			AddRow("st-2", "seq-1", 2, "email", "Follow up", "<p>Hey</p>", 1440, "replied", "stop", "09:00", "17:00"))

	seq, err := repo.Get(context.Background(), "seq-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SequenceActive, seq.Status)
	assert.Equal(t, domain.KeywordJoinTrigger{Keyword: "JOIN"}, seq.Trigger)
	assert.Equal(t, domain.StageAudience{Stage: "lead"}, seq.Audience)
	require.NotNil(t, seq.FrequencyCapDays)
	assert.Equal(t, 7, *seq.FrequencyCapDays)
	require.Len(t, seq.Steps, 2)
	assert.Equal(t, domain.NoCondition{}, seq.Steps[0].Condition)
	assert.Nil(t, seq.Steps[0].Window)
	assert.Equal(t, domain.RepliedCondition{Then: domain.ActionStop}, seq.Steps[1].Condition)
	require.NotNil(t, seq.Steps[1].Window)
	assert.Equal(t, "09:00", seq.Steps[1].Window.Start.String())
}

func TestSequenceRepo_GetNotFound(t *testing.T) {
	db, mock := setupDB(t)
	mock.ExpectQuery(q("FROM sequences WHERE id = $1")).WillReturnError(sql.ErrNoRows)

	_, err := NewSequenceRepo(db).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, sequence.ErrNotFound)
}

func TestSequenceRepo_CreateWritesSteps(t *testing.T) {
	db, mock := setupDB(t)
	days := 3
	seq := &domain.Sequence{
		ID: "seq-1", WorkspaceID: "ws-1", Name: "Welcome", Status: domain.SequenceDraft,
		Trigger: domain.ManualTrigger{}, Audience: domain.AllContacts{}, FrequencyCapDays: &days,
		Timezone: "UTC", CreatedAt: t0, UpdatedAt: t0,
		Steps: []domain.Step{{ID: "st-1", Order: 1, Channel: domain.ChannelSMS, Body: "hi",
			Condition: domain.NoCondition{}}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO sequences")).
		WithArgs("seq-1", "ws-1", "Welcome", "", "draft", "manual", "",
			[]byte(`{"type":"all"}`), int64(3), "UTC", t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO sequence_steps")).
		WithArgs("st-1", "seq-1", 1, "sms", "", "hi", 0, "none", "", nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewSequenceRepo(db).Create(context.Background(), seq))
}

func TestSequenceRepo_UpdateStatus(t *testing.T) {
	db, mock := setupDB(t)
	repo := NewSequenceRepo(db)

	mock.ExpectExec(q("UPDATE sequences SET status = $3")).
		WithArgs("seq-1", "draft", "active").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateStatus(context.Background(), "seq-1", domain.SequenceDraft, domain.SequenceActive))

	mock.ExpectExec(q("UPDATE sequences SET status = $3")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT EXISTS(SELECT 1 FROM sequences")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	err := repo.UpdateStatus(context.Background(), "seq-1", domain.SequenceDraft, domain.SequenceActive)
	assert.ErrorIs(t, err, sequence.ErrInvalidTransition)

	mock.ExpectExec(q("UPDATE sequences SET status = $3")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT EXISTS(SELECT 1 FROM sequences")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	err = repo.UpdateStatus(context.Background(), "nope", domain.SequenceDraft, domain.SequenceActive)
	assert.ErrorIs(t, err, sequence.ErrNotFound)
}

func TestSequenceRepo_ReplaceSteps(t *testing.T) {
	db, mock := setupDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT id FROM sequences WHERE id = $1 FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("seq-1"))
	mock.ExpectExec(q("DELETE FROM sequence_steps WHERE sequence_id = $1")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(q("INSERT INTO sequence_steps")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE sequences SET updated_at = NOW()")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := NewSequenceRepo(db).ReplaceSteps(context.Background(), "seq-1", []domain.Step{
		{ID: "st-9", Order: 1, Channel: domain.ChannelSMS, Body: "x", Condition: domain.NoCondition{}},
	})
	require.NoError(t, err)
}

func TestSequenceRepo_DeleteNotFound(t *testing.T) {
	db, mock := setupDB(t)
	mock.ExpectExec(q("DELETE FROM sequences WHERE id = $1")).WillReturnResult(sqlmock.NewResult(0, 0))

	err := NewSequenceRepo(db).Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, sequence.ErrNotFound)
}

func newEnrollment() *domain.Enrollment {
	next := t0
	return &domain.Enrollment{ID: "enr-1", SequenceID: "seq-1", ContactID: "c-1",
		Status: domain.EnrollmentActive, Source: domain.SourceManual, CurrentStep: 1,
		EnrolledAt: t0, NextStepAt: &next}
}

func TestEnrollmentRepo_Enroll(t *testing.T) {
	eligibility := func(active, total, recent int) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"active", "total", "recent"}).AddRow(active, total, recent)
	}

	t.Run("inserted", func(t *testing.T) {
		db, mock := setupDB(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("SELECT pg_advisory_xact_lock($1)")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("FROM sequence_enrollments")).WillReturnRows(eligibility(0, 1, 0))
		mock.ExpectExec(q("INSERT INTO sequence_enrollments")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		ok, err := NewEnrollmentRepo(db).Enroll(context.Background(), newEnrollment(), enrollment.Eligibility{})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("already active", func(t *testing.T) {
		db, mock := setupDB(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("SELECT pg_advisory_xact_lock($1)")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("FROM sequence_enrollments")).WillReturnRows(eligibility(1, 1, 0))
		mock.ExpectRollback()

		ok, err := NewEnrollmentRepo(db).Enroll(context.Background(), newEnrollment(), enrollment.Eligibility{})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("never enrolled rule", func(t *testing.T) {
		db, mock := setupDB(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("SELECT pg_advisory_xact_lock($1)")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("FROM sequence_enrollments")).WillReturnRows(eligibility(0, 2, 0))
		mock.ExpectRollback()

		ok, err := NewEnrollmentRepo(db).Enroll(context.Background(), newEnrollment(),
			enrollment.Eligibility{NeverEnrolled: true})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("frequency cap", func(t *testing.T) {
		db, mock := setupDB(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("SELECT pg_advisory_xact_lock($1)")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("FROM sequence_enrollments")).
			WithArgs("seq-1", "c-1", t0.Add(-72*time.Hour)).
			WillReturnRows(eligibility(0, 1, 1))
		mock.ExpectRollback()

		ok, err := NewEnrollmentRepo(db).Enroll(context.Background(), newEnrollment(),
			enrollment.Eligibility{NotEnrolledSince: t0.Add(-72 * time.Hour)})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unique race", func(t *testing.T) {
		db, mock := setupDB(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("SELECT pg_advisory_xact_lock($1)")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("FROM sequence_enrollments")).WillReturnRows(eligibility(0, 0, 0))
		mock.ExpectExec(q("INSERT INTO sequence_enrollments")).
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		ok, err := NewEnrollmentRepo(db).Enroll(context.Background(), newEnrollment(), enrollment.Eligibility{})
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestEnrollmentRepo_ClaimDue(t *testing.T) {
	db, mock := setupDB(t)
	due := t0.Add(-time.Minute)
	mock.ExpectQuery(q("FOR UPDATE OF e SKIP LOCKED")).
		WithArgs(t0, t0.Add(5*time.Minute), 10, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(enrollmentCols).
			AddRow("enr-1", "seq-1", "c-1", "active", "manual", 1, t0.Add(-time.Hour),
				due, nil, nil, nil, "", nil, nil, nil).
			AddRow("enr-2", "seq-1", "c-2", "active", "audience", 2, t0.Add(-time.Hour),
				due, t0.Add(-2*time.Hour), nil, nil, "", t0.Add(-30*time.Minute), nil, nil))

	claims, err := NewEnrollmentRepo(db).ClaimDue(context.Background(), t0, 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.NotEmpty(t, claims[0].Token)
	assert.Equal(t, claims[0].Token, claims[1].Token)
	assert.Equal(t, due, *claims[0].Enrollment.NextStepAt)
	assert.Equal(t, 2, claims[1].Enrollment.CurrentStep)
	assert.True(t, claims[1].Enrollment.Signals.Replied())
	assert.Nil(t, claims[0].Enrollment.LastStepAt)
}

func TestEnrollmentRepo_BeginDispatch(t *testing.T) {
	verify := q("WHERE id = $1 AND claim_token = $2 AND status = 'active'")

	t.Run("proceed", func(t *testing.T) {
		db, mock := setupDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery(verify).WithArgs("enr-1", "tok-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("enr-1"))
		mock.ExpectExec(q("INSERT INTO sequence_dispatches")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		state, err := NewEnrollmentRepo(db).BeginDispatch(context.Background(), activeClaim(), 1)
		require.NoError(t, err)
		assert.Equal(t, domain.DispatchProceed, state)
	})

	t.Run("duplicate", func(t *testing.T) {
		db, mock := setupDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery(verify).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("enr-1"))
		mock.ExpectExec(q("INSERT INTO sequence_dispatches")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		state, err := NewEnrollmentRepo(db).BeginDispatch(context.Background(), activeClaim(), 1)
		require.NoError(t, err)
		assert.Equal(t, domain.DispatchDuplicate, state)
	})

	t.Run("aborted", func(t *testing.T) {
		db, mock := setupDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery(verify).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		state, err := NewEnrollmentRepo(db).BeginDispatch(context.Background(), activeClaim(), 1)
		require.NoError(t, err)
		assert.Equal(t, domain.DispatchAborted, state)
	})
}

func sentTransition() domain.Transition {
	next := t0.Add(24 * time.Hour)
	last := t0
	return domain.Transition{
		Status: domain.EnrollmentActive, CurrentStep: 2, NextStepAt: &next, LastStepAt: &last,
		Logs: []domain.StepLog{{ID: "log-1", EnrollmentID: "enr-1", SequenceID: "seq-1",
			StepOrder: 1, Outcome: domain.OutcomeSent, MessageID: "m-1", At: t0}},
	}
}

func TestEnrollmentRepo_Commit(t *testing.T) {
	db, mock := setupDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("WHERE id = $1 AND claim_token = $2 AND status = 'active'")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO sequence_step_logs")).
		WithArgs("log-1", "enr-1", "seq-1", 1, "sent", "m-1", "", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewEnrollmentRepo(db).Commit(context.Background(), activeClaim(), sentTransition()))
}

func TestEnrollmentRepo_CommitClaimLostKeepsDispatchedLog(t *testing.T) {
	db, mock := setupDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("WHERE id = $1 AND claim_token = $2 AND status = 'active'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("FROM sequence_dispatches")).
		WithArgs("enr-1", 1, "tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(q("INSERT INTO sequence_step_logs")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := NewEnrollmentRepo(db).Commit(context.Background(), activeClaim(), sentTransition())
	assert.ErrorIs(t, err, enrollment.ErrClaimLost)
}

func TestEnrollmentRepo_CommitClaimLostWithoutDispatch(t *testing.T) {
	db, mock := setupDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("WHERE id = $1 AND claim_token = $2 AND status = 'active'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("FROM sequence_dispatches")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := NewEnrollmentRepo(db).Commit(context.Background(), activeClaim(), sentTransition())
	assert.ErrorIs(t, err, enrollment.ErrClaimLost)
}

func TestEnrollmentRepo_Stop(t *testing.T) {
	db, mock := setupDB(t)
	repo := NewEnrollmentRepo(db)

	mock.ExpectQuery(q("SET status = 'stopped'")).WithArgs("enr-1", "manual", t0).
		WillReturnRows(sqlmock.NewRows(enrollmentCols).AddRow("enr-1", "seq-1", "c-1", "stopped", "manual",
			1, t0, nil, nil, nil, t0, "manual", nil, nil, nil))
	e, err := repo.Stop(context.Background(), "enr-1", "manual", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentStopped, e.Status)
	assert.Equal(t, t0, *e.StoppedAt)

	mock.ExpectQuery(q("SET status = 'stopped'")).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(q("SELECT EXISTS(SELECT 1 FROM sequence_enrollments")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	_, err = repo.Stop(context.Background(), "enr-1", "manual", t0)
	assert.ErrorIs(t, err, enrollment.ErrNotActive)
}

func TestEnrollmentRepo_OptOutByContact(t *testing.T) {
	db, mock := setupDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("SET opted_out_at = $2 WHERE contact_id = $1 AND status = 'active' AND opted_out_at IS NULL")).
		WithArgs("c-1", t0).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(q("SET status = 'opted_out'")).
		WithArgs("c-1", t0).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := NewEnrollmentRepo(db).OptOut(context.Background(), enrollment.Target{ContactID: "c-1"}, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEnrollmentRepo_RecordSignal(t *testing.T) {
	db, mock := setupDB(t)
	repo := NewEnrollmentRepo(db)

	mock.ExpectExec(q("SET replied_at = $2 WHERE id = $1 AND replied_at IS NULL")).
		WithArgs("enr-1", t0).WillReturnResult(sqlmock.NewResult(0, 1))
	n, err := repo.RecordSignal(context.Background(), enrollment.Target{EnrollmentID: "enr-1"}, domain.SignalReplied, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.RecordSignal(context.Background(), enrollment.Target{EnrollmentID: "enr-1"}, "bogus", t0)
	assert.True(t, domain.IsValidation(err))
}

func TestEnrollmentRepo_StepPerformance(t *testing.T) {
	db, mock := setupDB(t)
	mock.ExpectQuery(q("FROM sequence_step_logs")).WithArgs("seq-1").
		WillReturnRows(sqlmock.NewRows([]string{"step_order", "sent", "delivered", "failed", "skipped"}).
			AddRow(1, 10, 8, 1, 0).
			AddRow(2, 4, 0, 0, 3))

	stats, err := NewEnrollmentRepo(db).StepPerformance(context.Background(), "seq-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.StepStats{
		{StepOrder: 1, Sent: 10, Delivered: 8, Failed: 1},
		{StepOrder: 2, Sent: 4, Skipped: 3},
	}, stats)
}

func TestDirectory_MatchAudience(t *testing.T) {
	db, mock := setupDB(t)
	now := t0
	mock.ExpectQuery(q("AND LOWER(c.stage) = LOWER($2) AND NOT EXISTS")).
		WithArgs("ws-1", "lead", "seq-1", now.Add(-48*time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c-1").AddRow("c-3"))

	ids, err := NewDirectory(db).MatchAudience(context.Background(), domain.AudienceQuery{
		WorkspaceID: "ws-1", SequenceID: "seq-1", Audience: domain.StageAudience{Stage: "lead"},
		ExcludeEnrolledWithin: 48 * time.Hour, Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c-1", "c-3"}, ids)
}

func TestDirectory_GetContact(t *testing.T) {
	db, mock := setupDB(t)
	mock.ExpectQuery(q("FROM contacts WHERE id = $1")).WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "first_name", "last_name", "email",
			"phone", "stage", "categories", "custom_fields", "last_activity_at", "created_at"}).
			AddRow("c-1", "ws-1", "Ada", "Lovelace", "ada@example.com", "+15551234567", "lead",
				"{vip,beta}", []byte(`{"plan":"pro"}`), nil, t0))

	c, err := NewDirectory(db).GetContact(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vip", "beta"}, c.Categories)
	assert.Equal(t, "pro", c.CustomFields["plan"])
	assert.Nil(t, c.LastActivityAt)

	mock.ExpectQuery(q("FROM contacts WHERE id = $1")).WillReturnError(sql.ErrNoRows)
	_, err = NewDirectory(db).GetContact(context.Background(), "c-2")
	assert.ErrorIs(t, err, domain.ErrContactNotFound)
}

func TestMigrations_Embedded(t *testing.T) {
	names, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_sequences.sql", names[0])
}
