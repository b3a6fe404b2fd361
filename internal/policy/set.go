package policy

import (
	"fmt"
	"strings"

	"github.com/msageha/phasegate/internal/model"
)

// UnknownLabelStrategy decides what Match does with a workflow label that
// names no policy.
type UnknownLabelStrategy string

const (
	UnknownLabelError  UnknownLabelStrategy = "error"
	UnknownLabelWarn   UnknownLabelStrategy = "warn"
	UnknownLabelSilent UnknownLabelStrategy = "silent"
)

// DefaultLabelPrefix marks an issue label that names a policy directly.
const DefaultLabelPrefix = "workflow:"

// Valid reports whether s is a known strategy.
func (s UnknownLabelStrategy) Valid() bool {
	switch s {
	case UnknownLabelError, UnknownLabelWarn, UnknownLabelSilent:
		return true
	}
	return false
}

// Options tune how a Set resolves policies for issues.
type Options struct {
	// DefaultPolicy overrides Document.DefaultPolicy when set.
	DefaultPolicy string
	LabelPrefix   string
	UnknownLabel  UnknownLabelStrategy
}

// Set is a validated, immutable collection of policies. It is safe for
// concurrent use; reload means building a new Set.
type Set struct {
	policies      []*Policy
	byID          map[string]*Policy
	defaultPolicy string
	labelPrefix   string
	unknownLabel  UnknownLabelStrategy
}

// NewSet applies defaults to a copy of doc, validates it and returns the
// resulting Set. Any problem rejects the whole document with a
// *ValidationErrors.
func NewSet(doc *Document, opts Options) (*Set, error) {
	if doc == nil {
		doc = &Document{}
	}
	if opts.LabelPrefix == "" {
		opts.LabelPrefix = DefaultLabelPrefix
	}
	if opts.UnknownLabel == "" {
		opts.UnknownLabel = UnknownLabelWarn
	}
	defaultID := opts.DefaultPolicy
	if defaultID == "" {
		defaultID = doc.DefaultPolicy
	}

	errs := &ValidationErrors{}
	if !opts.UnknownLabel.Valid() {
		errs.Addf("routing.unknown_label", "unknown strategy %q", opts.UnknownLabel)
	}
	if len(doc.Policies) == 0 {
		errs.Add("policies", "at least one policy is required")
	}

	s := &Set{
		byID:         make(map[string]*Policy, len(doc.Policies)),
		labelPrefix:  opts.LabelPrefix,
		unknownLabel: opts.UnknownLabel,
	}
	for i := range doc.Policies {
		p := clonePolicy(doc.Policies[i])
		applyDefaults(p)
		path := fmt.Sprintf("policies[%d]", i)
		validatePolicy(p, path, errs)
		if p.ID != "" {
			if _, dup := s.byID[p.ID]; dup {
				errs.Addf(path+".id", "duplicate policy id %q", p.ID)
				continue
			}
			s.byID[p.ID] = p
		}
		p.index = make(map[string]int, len(p.Phases))
		for j, ph := range p.Phases {
			if _, seen := p.index[ph.Name]; !seen {
				p.index[ph.Name] = j
			}
		}
		s.policies = append(s.policies, p)
	}

	switch {
	case defaultID == "":
		errs.Add("default_policy", "is required")
	case s.byID[defaultID] == nil:
		errs.Addf("default_policy", "policy %q is not defined", defaultID)
	}
	s.defaultPolicy = defaultID

	if err := errs.OrNil(); err != nil {
		return nil, err
	}
	return s, nil
}

func clonePolicy(src Policy) *Policy {
	p := src
	p.Phases = make([]Phase, len(src.Phases))
	copy(p.Phases, src.Phases)
	p.IssueTypes = append([]string(nil), src.IssueTypes...)
	for i := range p.Phases {
		ph := &p.Phases[i]
		ph.Capabilities = append([]string(nil), ph.Capabilities...)
		if ph.Transitions != nil {
			tb := *ph.Transitions
			tb.OnSuccess = cloneSlot(tb.OnSuccess)
			tb.OnFailure = cloneSlot(tb.OnFailure)
			tb.OnPartialSuccess = cloneDecision(tb.OnPartialSuccess)
			tb.OnUnclear = cloneDecision(tb.OnUnclear)
			ph.Transitions = &tb
		}
	}
	p.index = nil
	return &p
}

func cloneSlot(s Slot) Slot {
	if s.decision == nil {
		return s
	}
	return Slot{decision: cloneDecision(s.decision)}
}

func cloneDecision(d *DecisionConfig) *DecisionConfig {
	if d == nil {
		return nil
	}
	c := *d
	c.AllowedDestinations = append([]string(nil), d.AllowedDestinations...)
	return &c
}

// DefaultPolicy returns the id of the fallback policy.
func (s *Set) DefaultPolicy() string { return s.defaultPolicy }

// Policies returns the policies in declaration order.
func (s *Set) Policies() []*Policy {
	out := make([]*Policy, len(s.policies))
	copy(out, s.policies)
	return out
}

// Get returns the policy with the given id.
func (s *Set) Get(id string) (*Policy, error) {
	p, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, id)
	}
	return p, nil
}

// PhaseSequence returns the ordered phase names of a policy.
func (s *Set) PhaseSequence(id string) ([]string, error) {
	p, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return p.PhaseNames(), nil
}

// PhaseConfig returns one phase of a policy.
func (s *Set) PhaseConfig(id, phase string) (Phase, error) {
	p, err := s.Get(id)
	if err != nil {
		return Phase{}, err
	}
	ph, ok := p.Phase(phase)
	if !ok {
		return Phase{}, fmt.Errorf("%w: %q in policy %q", ErrUnknownPhase, phase, id)
	}
	return ph, nil
}

// NextPhase returns the phase after phase. ok is false when phase is last.
func (s *Set) NextPhase(id, phase string) (next string, ok bool, err error) {
	p, err := s.Get(id)
	if err != nil {
		return "", false, err
	}
	if _, found := p.PhaseIndex(phase); !found {
		return "", false, fmt.Errorf("%w: %q in policy %q", ErrUnknownPhase, phase, id)
	}
	next, ok = p.Next(phase)
	return next, ok, nil
}

// MatchReason records which rule selected the policy.
type MatchReason string

const (
	MatchByLabel     MatchReason = "label"
	MatchByIssueType MatchReason = "issue_type"
	MatchByDefault   MatchReason = "default"
)

// Match is the result of resolving an issue to a policy.
type Match struct {
	PolicyID string      `json:"policy" yaml:"policy"`
	Reason   MatchReason `json:"reason" yaml:"reason"`
	Warnings []string    `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Match resolves the policy for an issue: explicit workflow label, then the
// highest-priority issue-type match (earlier declaration wins ties), then the
// default policy. Only the first workflow label on the issue is considered.
func (s *Set) Match(issue model.Issue) (Match, error) {
	if labels := issue.LabelValues(s.labelPrefix); len(labels) > 0 {
		name := labels[0]
		if _, ok := s.byID[name]; ok {
			return Match{PolicyID: name, Reason: MatchByLabel}, nil
		}
		switch s.unknownLabel {
		case UnknownLabelError:
			return Match{}, fmt.Errorf("%w: %s%s", ErrUnknownWorkflowLabel, s.labelPrefix, name)
		case UnknownLabelWarn:
			return Match{
				PolicyID: s.defaultPolicy,
				Reason:   MatchByDefault,
				Warnings: []string{fmt.Sprintf("workflow label %q names no policy; using default %q", s.labelPrefix+name, s.defaultPolicy)},
			}, nil
		default:
			return Match{PolicyID: s.defaultPolicy, Reason: MatchByDefault}, nil
		}
	}

	if t := strings.TrimSpace(issue.Type); t != "" {
		var best *Policy
		for _, p := range s.policies {
			if !containsFold(p.IssueTypes, t) {
				continue
			}
			if best == nil || p.Priority > best.Priority {
				best = p
			}
		}
		if best != nil {
			return Match{PolicyID: best.ID, Reason: MatchByIssueType}, nil
		}
	}

	return Match{PolicyID: s.defaultPolicy, Reason: MatchByDefault}, nil
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
