package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/model"
)

func TestBucketOf(t *testing.T) {
	assert.Equal(t, BucketHigh, BucketOf(0.8))
	assert.Equal(t, BucketHigh, BucketOf(1))
	assert.Equal(t, BucketMedium, BucketOf(0.5))
	assert.Equal(t, BucketMedium, BucketOf(0.79))
	assert.Equal(t, BucketLow, BucketOf(0.49))
	assert.Equal(t, BucketLow, BucketOf(0))
}

func TestSummarize(t *testing.T) {
	events := []model.DecisionEvent{
		{Action: "advance_to_test", TargetPhase: "test", Confidence: 0.9},
		{Action: "advance_to_test", TargetPhase: "test", Confidence: 0.85},
		{Action: "jump_to_implement", TargetPhase: "implement", Confidence: 0.6, RequiredApproval: true},
		{Action: "jump_to_plan", TargetPhase: "plan", Confidence: 0.7},
		{Action: "require_approval", Confidence: 0.3, RequiredApproval: true},
		{Action: "advance_to_implement", Confidence: 0.2, Escalated: true},
		{Action: "shrug", Confidence: 0.95},
	}

	s := Summarize(events)

	assert.Equal(t, 7, s.Total)
	assert.Equal(t, map[ActionKind]int{
		ActionAdvance:         3,
		ActionJump:            2,
		ActionRequireApproval: 1,
		ActionUnknown:         1,
	}, s.ByAction)

	require.Contains(t, s.Confidence, BucketHigh)
	assert.Equal(t, BucketStats{Count: 3}, *s.Confidence[BucketHigh])
	assert.Equal(t, BucketStats{Count: 2, Approvals: 1, ApprovalRate: 0.5}, *s.Confidence[BucketMedium])
	assert.Equal(t, BucketStats{Count: 2, Approvals: 1, Escalations: 1, ApprovalRate: 0.5}, *s.Confidence[BucketLow])

	assert.Equal(t, []TargetCount{
		{Phase: "implement", Count: 2},
		{Phase: "test", Count: 2},
		{Phase: "plan", Count: 1},
	}, s.TopTargets)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.Total)
	assert.Empty(t, s.TopTargets)
	assert.Equal(t, 0.0, s.Confidence[BucketLow].ApprovalRate)
}

func TestSummarize_IsAFold(t *testing.T) {
	events := []model.DecisionEvent{
		{Action: "advance_to_test", Confidence: 0.9},
		{Action: "jump_to_plan", Confidence: 0.4, RequiredApproval: true},
	}
	whole := Summarize(events)
	again := Summarize(append([]model.DecisionEvent(nil), events...))
	assert.Equal(t, whole, again)
}
