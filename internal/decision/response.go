// Package decision implements the decision-agent protocol: prompt templates,
// prompt construction from issue and history context, and the sanitize ->
// parse -> validate pipeline that turns a model reply into a constrained
// routing action.
package decision

import (
	"fmt"
	"strings"
)

// ActionKind is the shape of a decision-agent action.
type ActionKind string

const (
	ActionAdvance         ActionKind = "advance"
	ActionJump            ActionKind = "jump"
	ActionRequireApproval ActionKind = "require_approval"
)

const (
	advancePrefix = "advance_to_"
	jumpPrefix    = "jump_to_"
)

// Response is a validated decision-agent reply.
type Response struct {
	// Decision is the raw action string, e.g. "jump_to_implement".
	Decision        string     `json:"decision" yaml:"decision"`
	Kind            ActionKind `json:"kind" yaml:"kind"`
	TargetPhase     string     `json:"target_phase,omitempty" yaml:"target_phase,omitempty"`
	Reasoning       string     `json:"reasoning" yaml:"reasoning"`
	Confidence      float64    `json:"confidence" yaml:"confidence"`
	Recommendations []string   `json:"recommendations,omitempty" yaml:"recommendations,omitempty"`
}

// ParseAction splits an action string into its kind and target phase.
func ParseAction(decision string) (ActionKind, string, error) {
	d := strings.TrimSpace(decision)
	switch {
	case d == string(ActionRequireApproval):
		return ActionRequireApproval, "", nil
	case strings.HasPrefix(d, advancePrefix) && len(d) > len(advancePrefix):
		return ActionAdvance, d[len(advancePrefix):], nil
	case strings.HasPrefix(d, jumpPrefix) && len(d) > len(jumpPrefix):
		return ActionJump, d[len(jumpPrefix):], nil
	}
	return "", "", fmt.Errorf("invalid decision %q: expected advance_to_<phase>, jump_to_<phase> or require_approval", decision)
}

// ParseResult is the outcome of parsing a reply. Failures are values: when
// Valid is false Errors is non-empty and Response is nil.
type ParseResult struct {
	Valid    bool      `json:"valid"`
	Errors   []string  `json:"errors,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// ErrorSummary joins the validation errors for use in a block reason.
func (r ParseResult) ErrorSummary() string {
	return strings.Join(r.Errors, "; ")
}
