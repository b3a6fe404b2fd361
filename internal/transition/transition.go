// Package transition turns a phase outcome into the next move of a workflow.
//
// The Engine is a pure function of its arguments and of the run-history
// snapshot it reads through the loop guard. It keeps no state between calls;
// callers serialize decisions per issue.
package transition

import (
	"github.com/msageha/phasegate/internal/loopguard"
	"github.com/msageha/phasegate/internal/policy"
)

// Type is the kind of move a Transition makes.
type Type string

const (
	TypeAdvance         Type = "advance"
	TypeRetry           Type = "retry"
	TypeBlock           Type = "block"
	TypeClose           Type = "close"
	TypeJumpBack        Type = "jump_back"
	TypeDynamicDecision Type = "dynamic_decision"
)

// Moves reports whether the transition enters a phase (or closes).
func (t Type) Moves() bool {
	switch t {
	case TypeAdvance, TypeJumpBack, TypeClose:
		return true
	}
	return false
}

// Fixed block reasons.
const (
	ReasonAllCompleted     = "All phases completed"
	ReasonAIApproval       = "AI requested human approval"
	ReasonRequiresApproval = "Requires human approval"
	ReasonLowConfidence    = "Escalated: low-confidence decision"
	ReasonOutcomeApproval  = "Outcome requires human approval"
)

// Transition is the result of one engine call.
type Transition struct {
	Type      Type   `json:"type" yaml:"type"`
	FromPhase string `json:"from_phase" yaml:"from_phase"`
	// NextPhase is the phase entered by advance, jump_back and retry, and
	// "close" for close. It is empty for block and dynamic_decision.
	NextPhase string `json:"next_phase,omitempty" yaml:"next_phase,omitempty"`
	Reason    string `json:"reason" yaml:"reason"`

	// Decision is the unresolved config of a dynamic_decision.
	Decision *policy.DecisionConfig `json:"decision,omitempty" yaml:"decision,omitempty"`

	Confidence       *float64        `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Escalated        bool            `json:"escalated,omitempty" yaml:"escalated,omitempty"`
	RequiresApproval bool            `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	Check            loopguard.Check `json:"check,omitempty" yaml:"check,omitempty"`

	// ProposedPhase is the decision target held back by an approval or
	// escalation block.
	ProposedPhase string `json:"proposed_phase,omitempty" yaml:"proposed_phase,omitempty"`

	// Retry only.
	Attempt    int    `json:"attempt,omitempty" yaml:"attempt,omitempty"`
	RetryDelay int64  `json:"retry_delay_ms,omitempty" yaml:"retry_delay_ms,omitempty"`
	Agent      string `json:"agent,omitempty" yaml:"agent,omitempty"`
}

// Blocked reports whether the issue needs a human before it can proceed.
func (t Transition) Blocked() bool {
	return t.Type == TypeBlock
}

func block(from, reason string) Transition {
	return Transition{Type: TypeBlock, FromPhase: from, Reason: reason}
}
