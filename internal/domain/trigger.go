package domain

import "strings"

// TriggerType names the event that enrolls contacts into a sequence.
type TriggerType string

const (
	TriggerManual         TriggerType = "manual"
	TriggerContactCreated TriggerType = "contact_created"
	TriggerKeywordJoin    TriggerType = "keyword_join"
	TriggerStageChange    TriggerType = "stage_change"
)

// Trigger is a closed sum type: ManualTrigger, ContactCreatedTrigger,
// KeywordJoinTrigger or StageChangeTrigger.
type Trigger interface {
	Type() TriggerType
	Spec() TriggerSpec
	isTrigger()
}

// ManualTrigger only enrolls through explicit requests.
type ManualTrigger struct{}

// ContactCreatedTrigger enrolls a contact when it is first created.
type ContactCreatedTrigger struct{}

// KeywordJoinTrigger enrolls a contact that texts in the keyword.
type KeywordJoinTrigger struct {
	Keyword string
}

// StageChangeTrigger enrolls a contact that moves into Stage.
type StageChangeTrigger struct {
	Stage string
}

func (ManualTrigger) Type() TriggerType         { return TriggerManual }
func (ContactCreatedTrigger) Type() TriggerType { return TriggerContactCreated }
func (KeywordJoinTrigger) Type() TriggerType    { return TriggerKeywordJoin }
func (StageChangeTrigger) Type() TriggerType    { return TriggerStageChange }

func (ManualTrigger) isTrigger()         {}
func (ContactCreatedTrigger) isTrigger() {}
func (KeywordJoinTrigger) isTrigger()    {}
func (StageChangeTrigger) isTrigger()    {}

func (ManualTrigger) Spec() TriggerSpec         { return TriggerSpec{Type: TriggerManual} }
func (ContactCreatedTrigger) Spec() TriggerSpec { return TriggerSpec{Type: TriggerContactCreated} }
func (t KeywordJoinTrigger) Spec() TriggerSpec {
	return TriggerSpec{Type: TriggerKeywordJoin, Value: t.Keyword}
}
func (t StageChangeTrigger) Spec() TriggerSpec {
	return TriggerSpec{Type: TriggerStageChange, Value: t.Stage}
}

// Matches reports whether an inbound keyword selects this trigger.
// Keywords compare case-insensitively after trimming.
func (t KeywordJoinTrigger) Matches(keyword string) bool {
	return strings.EqualFold(strings.TrimSpace(t.Keyword), strings.TrimSpace(keyword))
}

// Matches reports whether a stage change lands on this trigger's stage.
func (t StageChangeTrigger) Matches(stage string) bool {
	return strings.EqualFold(strings.TrimSpace(t.Stage), strings.TrimSpace(stage))
}

// TriggerSpec is the flat wire/storage form of a Trigger.
type TriggerSpec struct {
	Type  TriggerType `json:"type"`
	Value string      `json:"value,omitempty"`
}

// ParseTrigger converts a flat spec into its variant. An empty type means manual.
func ParseTrigger(spec TriggerSpec) (Trigger, error) {
	value := strings.TrimSpace(spec.Value)
	switch spec.Type {
	case "", TriggerManual:
		return ManualTrigger{}, nil
	case TriggerContactCreated:
		return ContactCreatedTrigger{}, nil
	case TriggerKeywordJoin:
		if value == "" {
			return nil, Invalid("trigger.value", "keyword is required for keyword_join")
		}
		return KeywordJoinTrigger{Keyword: value}, nil
	case TriggerStageChange:
		if value == "" {
			return nil, Invalid("trigger.value", "stage is required for stage_change")
		}
		return StageChangeTrigger{Stage: value}, nil
	default:
		return nil, Invalid("trigger.type", "unknown trigger type %q", spec.Type)
	}
}
