package policy

import (
	"fmt"
)

func applyDefaults(p *Policy) {
	if p.Retry.MaxAttempts == nil {
		n := DefaultMaxAttempts
		p.Retry.MaxAttempts = &n
	}
	if p.Retry.Backoff == "" {
		p.Retry.Backoff = BackoffExponential
	}
	if p.Retry.InitialDelayMs == nil {
		d := int64(DefaultInitialDelayMs)
		p.Retry.InitialDelayMs = &d
	}
	if p.Retry.MaxDelayMs == 0 {
		p.Retry.MaxDelayMs = DefaultMaxDelayMs
	}
	if p.TimeoutBaseMs == 0 {
		p.TimeoutBaseMs = DefaultTimeoutBaseMs
	}
	for i := range p.Phases {
		ph := &p.Phases[i]
		if ph.TimeoutMultiplier == 0 {
			ph.TimeoutMultiplier = DefaultTimeoutMultiplier
		}
		if ph.Transitions == nil {
			continue
		}
		if d := ph.Transitions.OnSuccess.Decision(); d != nil {
			defaultThresholds(d)
		}
		if d := ph.Transitions.OnFailure.Decision(); d != nil {
			defaultThresholds(d)
		}
		defaultThresholds(ph.Transitions.OnPartialSuccess)
		defaultThresholds(ph.Transitions.OnUnclear)
	}
}

// defaultThresholds fills in both thresholds when the block was omitted.
func defaultThresholds(d *DecisionConfig) {
	if d == nil {
		return
	}
	if d.Thresholds == (ConfidenceThresholds{}) {
		d.Thresholds = ConfidenceThresholds{
			AutoAdvance:     DefaultAutoAdvance,
			RequireApproval: DefaultRequireApproval,
		}
	}
}

func validatePolicy(p *Policy, path string, errs *ValidationErrors) {
	if p.ID == "" {
		errs.Add(path+".id", "is required")
	}
	if len(p.Phases) == 0 {
		errs.Add(path+".phases", "at least one phase is required")
	}

	names := make(map[string]bool, len(p.Phases))
	for i, ph := range p.Phases {
		phPath := fmt.Sprintf("%s.phases[%d]", path, i)
		switch {
		case ph.Name == "":
			errs.Add(phPath+".name", "is required")
		case ph.Name == Close:
			errs.Addf(phPath+".name", "%q is reserved", Close)
		case names[ph.Name]:
			errs.Addf(phPath+".name", "duplicate phase name %q", ph.Name)
		}
		names[ph.Name] = true

		if ph.TimeoutMultiplier < 0 {
			errs.Add(phPath+".timeout_multiplier", "must not be negative")
		}
		if ph.MaxVisits != nil && *ph.MaxVisits < 1 {
			errs.Add(phPath+".max_visits", "must be at least 1")
		}
	}

	for i, ph := range p.Phases {
		if ph.Transitions == nil {
			continue
		}
		tPath := fmt.Sprintf("%s.phases[%d].transitions", path, i)
		validateSlot(ph.Transitions.OnSuccess, tPath+".on_success", names, errs)
		validateSlot(ph.Transitions.OnFailure, tPath+".on_failure", names, errs)
		if d := ph.Transitions.OnPartialSuccess; d != nil {
			validateDecision(d, tPath+".on_partial_success", names, errs)
		}
		if d := ph.Transitions.OnUnclear; d != nil {
			validateDecision(d, tPath+".on_unclear", names, errs)
		}
	}

	switch p.Retry.Backoff {
	case BackoffExponential, BackoffLinear, BackoffFixed:
	default:
		errs.Addf(path+".retry.backoff", "unknown backoff kind %q", p.Retry.Backoff)
	}
	if p.Retry.Attempts() < 0 {
		errs.Add(path+".retry.max_attempts", "must not be negative")
	}
	if p.Retry.InitialDelay() < 0 {
		errs.Add(path+".retry.initial_delay_ms", "must not be negative")
	}
	if p.Retry.MaxDelayMs < p.Retry.InitialDelay() {
		errs.Add(path+".retry.max_delay_ms", "must be at least initial_delay_ms")
	}
	if p.TimeoutBaseMs < 0 {
		errs.Add(path+".timeout_base_ms", "must not be negative")
	}

	lp := p.LoopPrevention
	if lp.MaxVisits != nil && *lp.MaxVisits < 1 {
		errs.Add(path+".loop_prevention.max_visits", "must be at least 1")
	}
	if lp.MaxTransitions != nil && *lp.MaxTransitions < 1 {
		errs.Add(path+".loop_prevention.max_transitions", "must be at least 1")
	}
	if lp.CycleLength != nil && !ValidCycleLength(*lp.CycleLength) {
		errs.Addf(path+".loop_prevention.cycle_length", "must be between %d and %d", MinCycleLength, MaxCycleLength)
	}
}

func validateSlot(s Slot, path string, phases map[string]bool, errs *ValidationErrors) {
	switch {
	case s.IsDirect():
		if s.Target() != Close && !phases[s.Target()] {
			errs.Addf(path, "unknown target phase %q", s.Target())
		}
	case s.IsDecision():
		validateDecision(s.Decision(), path, phases, errs)
	}
}

func validateDecision(d *DecisionConfig, path string, phases map[string]bool, errs *ValidationErrors) {
	if len(d.AllowedDestinations) == 0 {
		errs.Add(path+".allowed_destinations", "must not be empty")
	}
	seen := make(map[string]bool, len(d.AllowedDestinations))
	for _, dest := range d.AllowedDestinations {
		if dest != Close && !phases[dest] {
			errs.Addf(path+".allowed_destinations", "unknown phase %q", dest)
		}
		if seen[dest] {
			errs.Addf(path+".allowed_destinations", "duplicate destination %q", dest)
		}
		seen[dest] = true
	}
	if d.Prompt != "" && d.Template != "" {
		errs.Add(path, "prompt and template are mutually exclusive")
	}
	th := d.Thresholds
	if th.AutoAdvance < 0 || th.AutoAdvance > 1 {
		errs.Add(path+".confidence_thresholds.auto_advance", "must be within [0,1]")
	}
	if th.RequireApproval < 0 || th.RequireApproval > 1 {
		errs.Add(path+".confidence_thresholds.require_approval", "must be within [0,1]")
	}
	if th.RequireApproval > th.AutoAdvance {
		errs.Add(path+".confidence_thresholds", "require_approval must not exceed auto_advance")
	}
}
