package api

import (
	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/service/sequence"
)

// Request bodies. Struct tags catch shape errors early; the domain
// parsers still own the semantic rules.

type triggerRequest struct {
	Type  domain.TriggerType `json:"type" validate:"omitempty,oneof=manual keyword_join stage_change contact_created"`
	Value string             `json:"value" validate:"max=200"`
}

type audienceRequest struct {
	Type         domain.AudienceType `json:"type" validate:"omitempty,oneof=all stage category inactive"`
	Stage        string              `json:"stage" validate:"max=200"`
	Category     string              `json:"category" validate:"max=200"`
	InactiveDays int                 `json:"inactive_days" validate:"gte=0"`
}

type conditionRequest struct {
	Type   domain.ConditionType   `json:"type" validate:"omitempty,oneof=none replied clicked no_reply opted_out"`
	Action domain.ConditionAction `json:"action" validate:"omitempty,oneof=continue skip stop"`
}

type createSequenceRequest struct {
	WorkspaceID      string          `json:"workspace_id" validate:"required"`
	Name             string          `json:"name" validate:"required,max=255"`
	Description      string          `json:"description" validate:"max=2000"`
	Trigger          triggerRequest  `json:"trigger"`
	Audience         audienceRequest `json:"audience"`
	FrequencyCapDays *int            `json:"frequency_cap_days" validate:"omitempty,gte=0"`
	Timezone         string          `json:"timezone" validate:"omitempty,timezone"`
	Steps            []stepRequest   `json:"steps" validate:"omitempty,dive"`
}

func (r createSequenceRequest) input() sequence.CreateInput {
	return sequence.CreateInput{
		WorkspaceID:      r.WorkspaceID,
		Name:             r.Name,
		Description:      r.Description,
		Trigger:          r.Trigger.spec(),
		Audience:         r.Audience.spec(),
		FrequencyCapDays: r.FrequencyCapDays,
		Timezone:         r.Timezone,
	}
}

type updateSequenceRequest struct {
	Name              *string          `json:"name" validate:"omitempty,min=1,max=255"`
	Description       *string          `json:"description" validate:"omitempty,max=2000"`
	Trigger           *triggerRequest  `json:"trigger"`
	Audience          *audienceRequest `json:"audience"`
	FrequencyCapDays  *int             `json:"frequency_cap_days" validate:"omitempty,gte=0"`
	ClearFrequencyCap bool             `json:"clear_frequency_cap"`
	Timezone          *string          `json:"timezone" validate:"omitempty,timezone"`
}

func (r updateSequenceRequest) fields() sequence.UpdateFields {
	u := sequence.UpdateFields{
		Name:              r.Name,
		Description:       r.Description,
		FrequencyCapDays:  r.FrequencyCapDays,
		ClearFrequencyCap: r.ClearFrequencyCap,
		Timezone:          r.Timezone,
	}
	if r.Trigger != nil {
		t := r.Trigger.spec()
		u.Trigger = &t
	}
	if r.Audience != nil {
		a := r.Audience.spec()
		u.Audience = &a
	}
	return u
}

type stepRequest struct {
	Channel         domain.Channel   `json:"channel" validate:"required,oneof=sms email"`
	Subject         string           `json:"subject" validate:"max=998"`
	Body            string           `json:"body" validate:"required"`
	DelayMinutes    int              `json:"delay_minutes" validate:"gte=0"`
	Condition       conditionRequest `json:"condition"`
	SendWindowStart string           `json:"send_window_start" validate:"omitempty,datetime=15:04"`
	SendWindowEnd   string           `json:"send_window_end" validate:"omitempty,datetime=15:04"`
	Position        int              `json:"position" validate:"gte=0"`
}

func (r stepRequest) input() sequence.StepInput {
	return sequence.StepInput{
		Channel:         r.Channel,
		Subject:         r.Subject,
		Body:            r.Body,
		DelayMinutes:    r.DelayMinutes,
		Condition:       domain.ConditionSpec{Type: r.Condition.Type, Action: r.Condition.Action},
		SendWindowStart: r.SendWindowStart,
		SendWindowEnd:   r.SendWindowEnd,
		Position:        r.Position,
	}
}

type reorderRequest struct {
	StepIDs []string `json:"step_ids" validate:"required,min=1,dive,required"`
}

type enrollRequest struct {
	ContactIDs []string `json:"contact_ids" validate:"required_without=Audience,omitempty,max=10000,dive,required"`
	Audience   bool     `json:"audience"`
}

type stopRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

func (t triggerRequest) spec() domain.TriggerSpec {
	return domain.TriggerSpec{Type: t.Type, Value: t.Value}
}

func (a audienceRequest) spec() domain.AudienceSpec {
	return domain.AudienceSpec{
		Type:         a.Type,
		Stage:        a.Stage,
		Category:     a.Category,
		InactiveDays: a.InactiveDays,
	}
}
