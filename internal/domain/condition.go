package domain

// ConditionType names the predicate a step checks before sending.
type ConditionType string

const (
	ConditionNone     ConditionType = "none"
	ConditionReplied  ConditionType = "replied"
	ConditionClicked  ConditionType = "clicked"
	ConditionNoReply  ConditionType = "no_reply"
	ConditionOptedOut ConditionType = "opted_out"
)

// ConditionAction is the branching decision for a step.
type ConditionAction string

const (
	ActionContinue ConditionAction = "continue"
	ActionSkip     ConditionAction = "skip"
	ActionStop     ConditionAction = "stop"
)

func (a ConditionAction) valid() bool {
	return a == ActionContinue || a == ActionSkip || a == ActionStop
}

// Condition is a closed sum type. Every variant except NoCondition carries
// the action applied when its predicate holds; when the predicate is false
// the step always continues.
type Condition interface {
	Type() ConditionType
	// Action is the effect when the predicate is true.
	Action() ConditionAction
	Spec() ConditionSpec
	isCondition()
}

// NoCondition always continues.
type NoCondition struct{}

// RepliedCondition holds when the contact replied since enrollment.
type RepliedCondition struct{ Then ConditionAction }

// ClickedCondition holds when the contact clicked a link since enrollment.
type ClickedCondition struct{ Then ConditionAction }

// NoReplyCondition holds when the contact stayed silent for a full delay
// period after a prior step.
type NoReplyCondition struct{ Then ConditionAction }

// OptedOutCondition holds when the contact has an opt-out signal.
type OptedOutCondition struct{ Then ConditionAction }

func (NoCondition) Type() ConditionType       { return ConditionNone }
func (RepliedCondition) Type() ConditionType  { return ConditionReplied }
func (ClickedCondition) Type() ConditionType  { return ConditionClicked }
func (NoReplyCondition) Type() ConditionType  { return ConditionNoReply }
func (OptedOutCondition) Type() ConditionType { return ConditionOptedOut }

func (NoCondition) Action() ConditionAction         { return ActionContinue }
func (c RepliedCondition) Action() ConditionAction  { return c.Then }
func (c ClickedCondition) Action() ConditionAction  { return c.Then }
func (c NoReplyCondition) Action() ConditionAction  { return c.Then }
func (c OptedOutCondition) Action() ConditionAction { return c.Then }

func (NoCondition) isCondition()       {}
func (RepliedCondition) isCondition()  {}
func (ClickedCondition) isCondition()  {}
func (NoReplyCondition) isCondition()  {}
func (OptedOutCondition) isCondition() {}

func (NoCondition) Spec() ConditionSpec { return ConditionSpec{Type: ConditionNone} }
func (c RepliedCondition) Spec() ConditionSpec {
	return ConditionSpec{Type: ConditionReplied, Action: c.Then}
}
func (c ClickedCondition) Spec() ConditionSpec {
	return ConditionSpec{Type: ConditionClicked, Action: c.Then}
}
func (c NoReplyCondition) Spec() ConditionSpec {
	return ConditionSpec{Type: ConditionNoReply, Action: c.Then}
}
func (c OptedOutCondition) Spec() ConditionSpec {
	return ConditionSpec{Type: ConditionOptedOut, Action: c.Then}
}

// ConditionSpec is the flat wire/storage form of a Condition.
type ConditionSpec struct {
	Type   ConditionType   `json:"type"`
	Action ConditionAction `json:"action,omitempty"`
}

// ParseCondition converts a flat spec into its variant. An empty type means
// none; an action on a none condition is ignored.
func ParseCondition(spec ConditionSpec) (Condition, error) {
	if spec.Type == "" || spec.Type == ConditionNone {
		return NoCondition{}, nil
	}
	if !spec.Action.valid() {
		return nil, Invalid("condition.action", "must be one of continue, skip, stop")
	}
	switch spec.Type {
	case ConditionReplied:
		return RepliedCondition{Then: spec.Action}, nil
	case ConditionClicked:
		return ClickedCondition{Then: spec.Action}, nil
	case ConditionNoReply:
		return NoReplyCondition{Then: spec.Action}, nil
	case ConditionOptedOut:
		return OptedOutCondition{Then: spec.Action}, nil
	default:
		return nil, Invalid("condition.type", "unknown condition type %q", spec.Type)
	}
}
