package automation

import (
	"time"

	"github.com/ignite/sequence-engine/internal/domain"
)

// EvalContext carries the time facts a condition may depend on.
type EvalContext struct {
	Now time.Time
	// LastStepAt is when the previous step was attempted; nil before step 1.
	LastStepAt *time.Time
	// Delay is the current step's delay, the silence period for no_reply.
	Delay time.Duration
}

// Holds reports whether the condition's predicate is true.
func Holds(cond domain.Condition, s domain.Signals, ec EvalContext) bool {
	switch cond.(type) {
	case domain.RepliedCondition:
		return s.Replied()
	case domain.ClickedCondition:
		return s.Clicked()
	case domain.OptedOutCondition:
		return s.OptedOut()
	case domain.NoReplyCondition:
		if s.Replied() || ec.LastStepAt == nil {
			return false
		}
		return ec.Now.Sub(*ec.LastStepAt) >= ec.Delay
	default:
		return false
	}
}

// Evaluate maps a step condition and the enrollment's signals to a
// branching decision. A true predicate yields the condition's action; a
// false one always continues. It has no side effects.
func Evaluate(cond domain.Condition, s domain.Signals, ec EvalContext) domain.ConditionAction {
	if cond == nil {
		return domain.ActionContinue
	}
	if Holds(cond, s, ec) {
		return cond.Action()
	}
	return domain.ActionContinue
}
