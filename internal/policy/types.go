// Package policy holds the immutable workflow definitions phasegate routes
// issues through: policies, their ordered phases, retry and timeout settings,
// and per-outcome transition rules.
package policy

import (
	"time"

	"github.com/msageha/phasegate/internal/model"
)

// Close is the reserved destination that ends a workflow.
const Close = "close"

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
	BackoffFixed       BackoffKind = "fixed"
)

// Default values applied to omitted policy fields.
const (
	DefaultMaxAttempts       = 3
	DefaultInitialDelayMs    = 1000
	DefaultMaxDelayMs        = 60000
	DefaultTimeoutBaseMs     = 30 * 60 * 1000
	DefaultAutoAdvance       = 0.8
	DefaultRequireApproval   = 0.5
	DefaultTimeoutMultiplier = 1.0
)

// RetryPolicy fields are defaulted one by one. MaxAttempts and InitialDelayMs
// are pointers so an explicit 0 survives defaulting.
type RetryPolicy struct {
	MaxAttempts    *int        `yaml:"max_attempts,omitempty" toml:"max_attempts"`
	Backoff        BackoffKind `yaml:"backoff" toml:"backoff"`
	InitialDelayMs *int64      `yaml:"initial_delay_ms,omitempty" toml:"initial_delay_ms"`
	MaxDelayMs     int64       `yaml:"max_delay_ms" toml:"max_delay_ms"`
}

// Attempts returns the attempt limit, counting the first run.
func (r RetryPolicy) Attempts() int {
	if r.MaxAttempts == nil {
		return DefaultMaxAttempts
	}
	return *r.MaxAttempts
}

// InitialDelay returns the base retry delay in milliseconds.
func (r RetryPolicy) InitialDelay() int64 {
	if r.InitialDelayMs == nil {
		return DefaultInitialDelayMs
	}
	return *r.InitialDelayMs
}

// ConfidenceThresholds split decision-agent confidence into three tiers:
// auto advance (>= AutoAdvance), human approval (>= RequireApproval) and
// escalation (below RequireApproval).
type ConfidenceThresholds struct {
	AutoAdvance     float64 `yaml:"auto_advance" toml:"auto_advance"`
	RequireApproval float64 `yaml:"require_approval" toml:"require_approval"`
}

// DecisionConfig routes an outcome through a decision agent.
type DecisionConfig struct {
	Capability          string               `yaml:"capability" toml:"capability"`
	Prompt              string               `yaml:"prompt,omitempty" toml:"prompt"`
	Template            string               `yaml:"template,omitempty" toml:"template"`
	AllowedDestinations []string             `yaml:"allowed_destinations" toml:"allowed_destinations"`
	Thresholds          ConfidenceThresholds `yaml:"confidence_thresholds" toml:"confidence_thresholds"`
	Messaging           bool                 `yaml:"messaging,omitempty" toml:"messaging"`
}

// Allows reports whether dest is on the whitelist.
func (d *DecisionConfig) Allows(dest string) bool {
	if d == nil {
		return false
	}
	for _, a := range d.AllowedDestinations {
		if a == dest {
			return true
		}
	}
	return false
}

// TransitionBlock holds the per-outcome routing of a phase. Partial success
// and unclear outcomes can only be routed through a decision agent.
type TransitionBlock struct {
	OnSuccess        Slot            `yaml:"on_success,omitempty" toml:"on_success"`
	OnFailure        Slot            `yaml:"on_failure,omitempty" toml:"on_failure"`
	OnPartialSuccess *DecisionConfig `yaml:"on_partial_success,omitempty" toml:"on_partial_success"`
	OnUnclear        *DecisionConfig `yaml:"on_unclear,omitempty" toml:"on_unclear"`
}

type Phase struct {
	Name              string           `yaml:"name" toml:"name"`
	Description       string           `yaml:"description,omitempty" toml:"description"`
	Capabilities      []string         `yaml:"capabilities,omitempty" toml:"capabilities"`
	TimeoutMultiplier float64          `yaml:"timeout_multiplier,omitempty" toml:"timeout_multiplier"`
	RequireApproval   bool             `yaml:"require_approval,omitempty" toml:"require_approval"`
	MaxVisits         *int             `yaml:"max_visits,omitempty" toml:"max_visits"`
	Transitions       *TransitionBlock `yaml:"transitions,omitempty" toml:"transitions"`
	FallbackAgent     string           `yaml:"fallback_agent,omitempty" toml:"fallback_agent"`
}

// LoopOverrides replace the global loop-prevention limits for one policy.
type LoopOverrides struct {
	MaxVisits      *int `yaml:"max_visits,omitempty" toml:"max_visits"`
	MaxTransitions *int `yaml:"max_transitions,omitempty" toml:"max_transitions"`
	CycleLength    *int `yaml:"cycle_length,omitempty" toml:"cycle_length"`
}

type Policy struct {
	ID             string        `yaml:"id" toml:"id"`
	Description    string        `yaml:"description,omitempty" toml:"description"`
	Phases         []Phase       `yaml:"phases" toml:"phases"`
	Retry          RetryPolicy   `yaml:"retry" toml:"retry"`
	TimeoutBaseMs  int64         `yaml:"timeout_base_ms" toml:"timeout_base_ms"`
	IssueTypes     []string      `yaml:"issue_types,omitempty" toml:"issue_types"`
	Priority       int           `yaml:"priority" toml:"priority"`
	LoopPrevention LoopOverrides `yaml:"loop_prevention,omitempty" toml:"loop_prevention"`
	FallbackAgent  string        `yaml:"fallback_agent,omitempty" toml:"fallback_agent"`

	index map[string]int
}

// Document is the on-disk shape of a policy file.
type Document struct {
	DefaultPolicy string   `yaml:"default_policy" toml:"default_policy"`
	Policies      []Policy `yaml:"policies" toml:"policies"`
}

// PhaseIndex returns the position of phase in the sequence.
func (p *Policy) PhaseIndex(phase string) (int, bool) {
	if p.index != nil {
		i, ok := p.index[phase]
		return i, ok
	}
	for i, ph := range p.Phases {
		if ph.Name == phase {
			return i, true
		}
	}
	return -1, false
}

// Phase returns the named phase.
func (p *Policy) Phase(name string) (Phase, bool) {
	i, ok := p.PhaseIndex(name)
	if !ok {
		return Phase{}, false
	}
	return p.Phases[i], true
}

// PhaseNames returns the ordered phase sequence.
func (p *Policy) PhaseNames() []string {
	names := make([]string, len(p.Phases))
	for i, ph := range p.Phases {
		names[i] = ph.Name
	}
	return names
}

// Next returns the phase after phase, or false when phase is the last one.
func (p *Policy) Next(phase string) (string, bool) {
	i, ok := p.PhaseIndex(phase)
	if !ok || i+1 >= len(p.Phases) {
		return "", false
	}
	return p.Phases[i+1].Name, true
}

// IsLast reports whether phase ends the sequence.
func (p *Policy) IsLast(phase string) bool {
	i, ok := p.PhaseIndex(phase)
	return ok && i == len(p.Phases)-1
}

// TimeoutBase is the policy's base phase timeout.
func (p *Policy) TimeoutBase() time.Duration {
	return time.Duration(p.TimeoutBaseMs) * time.Millisecond
}

// Route returns the routing for an outcome category: a direct target, a
// decision config, or neither when the block leaves it to the defaults.
func (tb *TransitionBlock) Route(category model.ResultType) (string, *DecisionConfig) {
	if tb == nil {
		return "", nil
	}
	var s Slot
	switch category {
	case model.ResultSuccess:
		s = tb.OnSuccess
	case model.ResultFailure:
		s = tb.OnFailure
	case model.ResultPartialSuccess:
		return "", tb.OnPartialSuccess
	case model.ResultUnclear:
		return "", tb.OnUnclear
	}
	return s.Target(), s.Decision()
}
