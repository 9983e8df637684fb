package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// SequenceStatus enumerates the lifecycle states of a sequence.
type SequenceStatus string

const (
	SequenceDraft    SequenceStatus = "draft"
	SequenceActive   SequenceStatus = "active"
	SequencePaused   SequenceStatus = "paused"
	SequenceArchived SequenceStatus = "archived"
)

// Valid reports whether s is a known status.
func (s SequenceStatus) Valid() bool {
	switch s {
	case SequenceDraft, SequenceActive, SequencePaused, SequenceArchived:
		return true
	}
	return false
}

// Channel is the delivery channel of a step.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Sequence is a drip sequence: trigger, audience, frequency cap and an
// ordered list of steps.
type Sequence struct {
	ID          string
	WorkspaceID string
	Name        string
	Description string
	Status      SequenceStatus
	Trigger     Trigger
	Audience    Audience
	// FrequencyCapDays is the minimum number of days between two
	// enrollments of the same contact. Nil means uncapped.
	FrequencyCapDays *int
	// Timezone is the IANA zone send windows are evaluated in.
	Timezone  string
	Steps     []Step
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Editable reports whether steps and metadata may be changed.
func (s *Sequence) Editable() bool {
	return s.Status == SequenceDraft || s.Status == SequencePaused
}

// FrequencyCap returns the cap window, or zero when uncapped.
func (s *Sequence) FrequencyCap() time.Duration {
	if s.FrequencyCapDays == nil || *s.FrequencyCapDays <= 0 {
		return 0
	}
	return time.Duration(*s.FrequencyCapDays) * 24 * time.Hour
}

// Location resolves Timezone, falling back to UTC.
func (s *Sequence) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// StepAt returns the step with the given 1-based order.
func (s *Sequence) StepAt(order int) (Step, bool) {
	if order < 1 || order > len(s.Steps) {
		return Step{}, false
	}
	return s.Steps[order-1], true
}

// Renumber rewrites Order to the contiguous range 1..N following slice order.
func (s *Sequence) Renumber() {
	for i := range s.Steps {
		s.Steps[i].Order = i + 1
		s.Steps[i].SequenceID = s.ID
	}
}

// Validate checks the sequence metadata. Steps are validated individually.
func (s *Sequence) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return Invalid("name", "is required")
	}
	if s.WorkspaceID == "" {
		return Invalid("workspace_id", "is required")
	}
	if s.Trigger == nil {
		return Invalid("trigger", "is required")
	}
	if s.Audience == nil {
		return Invalid("audience", "is required")
	}
	if s.FrequencyCapDays != nil && *s.FrequencyCapDays < 0 {
		return Invalid("frequency_cap_days", "must not be negative")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return Invalid("timezone", "unknown zone %q", s.Timezone)
		}
	}
	return nil
}

// MarshalJSON flattens the sum-typed fields into their spec form.
func (s Sequence) MarshalJSON() ([]byte, error) {
	out := struct {
		ID               string         `json:"id"`
		WorkspaceID      string         `json:"workspace_id"`
		Name             string         `json:"name"`
		Description      string         `json:"description,omitempty"`
		Status           SequenceStatus `json:"status"`
		Trigger          *TriggerSpec   `json:"trigger,omitempty"`
		Audience         *AudienceSpec  `json:"audience,omitempty"`
		FrequencyCapDays *int           `json:"frequency_cap_days"`
		Timezone         string         `json:"timezone,omitempty"`
		Steps            []Step         `json:"steps"`
		CreatedAt        time.Time      `json:"created_at"`
		UpdatedAt        time.Time      `json:"updated_at"`
	}{
		ID: s.ID, WorkspaceID: s.WorkspaceID, Name: s.Name, Description: s.Description,
		Status: s.Status, FrequencyCapDays: s.FrequencyCapDays, Timezone: s.Timezone,
		Steps: s.Steps, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
	}
	if s.Trigger != nil {
		spec := s.Trigger.Spec()
		out.Trigger = &spec
	}
	if s.Audience != nil {
		spec := s.Audience.Spec()
		out.Audience = &spec
	}
	if out.Steps == nil {
		out.Steps = []Step{}
	}
	return json.Marshal(out)
}

// Step is one message in a sequence.
type Step struct {
	ID         string
	SequenceID string
	Order      int
	Channel    Channel
	Subject    string
	Body       string
	// DelayMinutes is the wait after the previous step completes. For the
	// first step it is the wait after enrollment.
	DelayMinutes int
	Condition    Condition
	Window       *SendWindow
}

// Delay returns DelayMinutes as a duration.
func (s Step) Delay() time.Duration {
	return time.Duration(s.DelayMinutes) * time.Minute
}

// Validate checks channel/body/subject/delay consistency.
func (s Step) Validate() error {
	switch s.Channel {
	case ChannelSMS:
		if s.Subject != "" {
			return Invalid("subject", "only email steps carry a subject")
		}
	case ChannelEmail:
		if strings.TrimSpace(s.Subject) == "" {
			return Invalid("subject", "is required for email steps")
		}
	default:
		return Invalid("channel", "must be sms or email")
	}
	if strings.TrimSpace(s.Body) == "" {
		return Invalid("body", "is required")
	}
	if s.DelayMinutes < 0 {
		return Invalid("delay_minutes", "must not be negative")
	}
	if s.Condition == nil {
		return Invalid("condition", "is required")
	}
	return nil
}

// MarshalJSON flattens the condition and send window.
func (s Step) MarshalJSON() ([]byte, error) {
	out := struct {
		ID              string        `json:"id"`
		SequenceID      string        `json:"sequence_id"`
		Order           int           `json:"order"`
		Channel         Channel       `json:"channel"`
		Subject         string        `json:"subject,omitempty"`
		Body            string        `json:"body"`
		DelayMinutes    int           `json:"delay_minutes"`
		Condition       ConditionSpec `json:"condition"`
		SendWindowStart string        `json:"send_window_start,omitempty"`
		SendWindowEnd   string        `json:"send_window_end,omitempty"`
	}{
		ID: s.ID, SequenceID: s.SequenceID, Order: s.Order, Channel: s.Channel,
		Subject: s.Subject, Body: s.Body, DelayMinutes: s.DelayMinutes,
		Condition: ConditionSpec{Type: ConditionNone},
	}
	if s.Condition != nil {
		out.Condition = s.Condition.Spec()
	}
	if s.Window != nil {
		out.SendWindowStart = s.Window.Start.String()
		out.SendWindowEnd = s.Window.End.String()
	}
	return json.Marshal(out)
}
