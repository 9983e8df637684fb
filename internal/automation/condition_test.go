package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/sequence-engine/internal/domain"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	earlier := now.Add(-time.Hour)
	replied := domain.Signals{RepliedAt: &earlier}
	clicked := domain.Signals{ClickedAt: &earlier}
	optedOut := domain.Signals{OptedOutAt: &earlier}
	lastStep := now.Add(-2 * time.Hour)

	tests := []struct {
		name    string
		cond    domain.Condition
		signals domain.Signals
		ec      EvalContext
		want    domain.ConditionAction
	}{
		{"nil condition", nil, replied, EvalContext{Now: now}, domain.ActionContinue},
		{"none", domain.NoCondition{}, replied, EvalContext{Now: now}, domain.ActionContinue},
		{"replied holds", domain.RepliedCondition{Then: domain.ActionStop}, replied, EvalContext{Now: now}, domain.ActionStop},
		{"replied false continues", domain.RepliedCondition{Then: domain.ActionStop}, clicked, EvalContext{Now: now}, domain.ActionContinue},
		{"clicked holds", domain.ClickedCondition{Then: domain.ActionSkip}, clicked, EvalContext{Now: now}, domain.ActionSkip},
		{"opted out holds", domain.OptedOutCondition{Then: domain.ActionStop}, optedOut, EvalContext{Now: now}, domain.ActionStop},
		{"no reply after silence", domain.NoReplyCondition{Then: domain.ActionSkip}, domain.Signals{},
			EvalContext{Now: now, LastStepAt: &lastStep, Delay: time.Hour}, domain.ActionSkip},
		{"no reply exactly at delay", domain.NoReplyCondition{Then: domain.ActionSkip}, domain.Signals{},
			EvalContext{Now: now, LastStepAt: &lastStep, Delay: 2 * time.Hour}, domain.ActionSkip},
		{"no reply too soon", domain.NoReplyCondition{Then: domain.ActionSkip}, domain.Signals{},
			EvalContext{Now: now, LastStepAt: &lastStep, Delay: 3 * time.Hour}, domain.ActionContinue},
		{"no reply before first step", domain.NoReplyCondition{Then: domain.ActionStop}, domain.Signals{},
			EvalContext{Now: now}, domain.ActionContinue},
		{"no reply but replied", domain.NoReplyCondition{Then: domain.ActionStop}, replied,
			EvalContext{Now: now, LastStepAt: &lastStep}, domain.ActionContinue},
		{"continue action", domain.RepliedCondition{Then: domain.ActionContinue}, replied, EvalContext{Now: now}, domain.ActionContinue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.cond, tt.signals, tt.ec))
		})
	}
}
