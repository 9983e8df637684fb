package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSendWindow(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		wantNil    bool
		wantErr    bool
	}{
		{"both empty", "", "", true, false},
		{"valid", "09:00", "17:30", false, false},
		{"only start", "09:00", "", false, true},
		{"only end", "", "17:00", false, true},
		{"unparseable", "9am", "17:00", false, true},
		{"start equals end", "10:00", "10:00", false, true},
		{"start after end", "18:00", "09:00", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewSendWindow(tt.start, tt.end)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNil, w == nil)
		})
	}
}

func TestSendWindow_ContainsAndNextOpen(t *testing.T) {
	w, err := NewSendWindow("09:00", "17:00")
	require.NoError(t, err)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	early := time.Date(2026, 3, 10, 7, 30, 0, 0, ny)
	open := time.Date(2026, 3, 10, 9, 0, 0, 0, ny)
	closing := time.Date(2026, 3, 10, 17, 0, 0, 0, ny)

	assert.False(t, w.Contains(early))
	assert.True(t, w.Contains(open))
	assert.False(t, w.Contains(closing), "end is exclusive")

	assert.Equal(t, open, w.NextOpen(early))
	assert.Equal(t, time.Date(2026, 3, 11, 9, 0, 0, 0, ny), w.NextOpen(closing))
}

func TestParseTrigger(t *testing.T) {
	tr, err := ParseTrigger(TriggerSpec{})
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, tr.Type())

	tr, err = ParseTrigger(TriggerSpec{Type: TriggerKeywordJoin, Value: " JOIN "})
	require.NoError(t, err)
	kt := tr.(KeywordJoinTrigger)
	assert.True(t, kt.Matches("join"))
	assert.False(t, kt.Matches("stop"))
	assert.Equal(t, TriggerSpec{Type: TriggerKeywordJoin, Value: "JOIN"}, tr.Spec())

	tr, err = ParseTrigger(TriggerSpec{Type: TriggerStageChange, Value: "Customer"})
	require.NoError(t, err)
	assert.True(t, tr.(StageChangeTrigger).Matches("customer"))

	_, err = ParseTrigger(TriggerSpec{Type: TriggerStageChange})
	assert.True(t, IsValidation(err))
	_, err = ParseTrigger(TriggerSpec{Type: "webhook"})
	assert.True(t, IsValidation(err))
}

func TestParseCondition(t *testing.T) {
	c, err := ParseCondition(ConditionSpec{Type: ConditionNone, Action: ActionStop})
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, c.Action(), "action on none is ignored")

	c, err = ParseCondition(ConditionSpec{Type: ConditionReplied, Action: ActionStop})
	require.NoError(t, err)
	assert.Equal(t, RepliedCondition{Then: ActionStop}, c)

	_, err = ParseCondition(ConditionSpec{Type: ConditionClicked})
	assert.True(t, IsValidation(err))
	_, err = ParseCondition(ConditionSpec{Type: "bounced", Action: ActionSkip})
	assert.True(t, IsValidation(err))
}

func TestAudienceMatches(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -45)
	recent := now.AddDate(0, 0, -2)
	c := Contact{ID: "c1", Stage: "Lead", Categories: []string{"vip", "newsletter"}}

	assert.True(t, AllContacts{}.Matches(c, now))
	assert.True(t, StageAudience{Stage: "lead"}.Matches(c, now))
	assert.False(t, StageAudience{Stage: "customer"}.Matches(c, now))
	assert.True(t, CategoryAudience{Category: "VIP"}.Matches(c, now))
	assert.False(t, CategoryAudience{Category: "churned"}.Matches(c, now))

	inactive := InactiveAudience{Days: 30}
	assert.True(t, inactive.Matches(c, now), "never active counts as inactive")
	c.LastActivityAt = &old
	assert.True(t, inactive.Matches(c, now))
	c.LastActivityAt = &recent
	assert.False(t, inactive.Matches(c, now))

	_, err := ParseAudience(AudienceSpec{Type: AudienceInactive})
	assert.True(t, IsValidation(err))
	_, err = ParseAudience(AudienceSpec{Type: AudienceStage, Stage: " "})
	assert.True(t, IsValidation(err))
	a, err := ParseAudience(AudienceSpec{})
	require.NoError(t, err)
	assert.Equal(t, AudienceAll, a.Type())
}

func TestStepValidate(t *testing.T) {
	base := Step{Channel: ChannelSMS, Body: "hi", Condition: NoCondition{}}
	require.NoError(t, base.Validate())

	withSubject := base
	withSubject.Subject = "hello"
	assert.Error(t, withSubject.Validate())

	email := base
	email.Channel = ChannelEmail
	assert.Error(t, email.Validate(), "email needs a subject")
	email.Subject = "Welcome"
	assert.NoError(t, email.Validate())

	negative := base
	negative.DelayMinutes = -1
	assert.Error(t, negative.Validate())

	blank := base
	blank.Body = "  "
	assert.Error(t, blank.Validate())
}

func TestSequence_Helpers(t *testing.T) {
	days := 7
	seq := &Sequence{
		ID:               "s1",
		FrequencyCapDays: &days,
		Timezone:         "Europe/Berlin",
		Steps:            []Step{{ID: "a"}, {ID: "b"}, {ID: "c"}},
	}
	seq.Renumber()
	for i, st := range seq.Steps {
		assert.Equal(t, i+1, st.Order)
		assert.Equal(t, "s1", st.SequenceID)
	}
	st, ok := seq.StepAt(2)
	require.True(t, ok)
	assert.Equal(t, "b", st.ID)
	_, ok = seq.StepAt(4)
	assert.False(t, ok)

	assert.Equal(t, 7*24*time.Hour, seq.FrequencyCap())
	assert.Equal(t, "Europe/Berlin", seq.Location().String())

	seq.Timezone = "Nowhere/Else"
	assert.Equal(t, time.UTC, seq.Location())
	seq.FrequencyCapDays = nil
	assert.Zero(t, seq.FrequencyCap())
}

func TestNewEnrollment(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	seq := &Sequence{ID: "s1", Steps: []Step{{Order: 1, DelayMinutes: 90}}}
	e := NewEnrollment("e1", seq, "c1", SourceManual, now)

	assert.Equal(t, EnrollmentActive, e.Status)
	assert.Equal(t, 1, e.CurrentStep)
	require.NotNil(t, e.NextStepAt)
	assert.Equal(t, now.Add(90*time.Minute), *e.NextStepAt)
	assert.False(t, e.IsTerminal())
}

func TestStepStatsAdd(t *testing.T) {
	var s StepStats
	for _, o := range []StepOutcome{OutcomeSent, OutcomeSent, OutcomeDelivered, OutcomeFailed, OutcomeSkipped, "bogus"} {
		s.Add(o)
	}
	assert.Equal(t, StepStats{Sent: 2, Delivered: 1, Failed: 1, Skipped: 1}, s)
}

func TestSequenceMarshalJSON(t *testing.T) {
	w, err := NewSendWindow("08:00", "20:00")
	require.NoError(t, err)
	seq := Sequence{
		ID:       "s1",
		Name:     "Onboarding",
		Status:   SequenceDraft,
		Trigger:  KeywordJoinTrigger{Keyword: "JOIN"},
		Audience: StageAudience{Stage: "lead"},
		Steps: []Step{{
			ID: "st1", Order: 1, Channel: ChannelSMS, Body: "hi",
			Condition: ClickedCondition{Then: ActionSkip}, Window: w,
		}},
	}
	raw, err := json.Marshal(seq)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, map[string]any{"type": "keyword_join", "value": "JOIN"}, out["trigger"])
	assert.Equal(t, map[string]any{"type": "stage", "stage": "lead"}, out["audience"])
	step := out["steps"].([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{"type": "clicked", "action": "skip"}, step["condition"])
	assert.Equal(t, "08:00", step["send_window_start"])
	assert.Equal(t, "20:00", step["send_window_end"])
}

func TestValidationError(t *testing.T) {
	err := Invalid("name", "is required")
	assert.EqualError(t, err, "name: is required")
	assert.True(t, IsValidation(err))
	assert.False(t, IsValidation(ErrContactNotFound))
}
