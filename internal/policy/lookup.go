package policy

// Cycle detection window bounds.
const (
	MinCycleLength = 2
	MaxCycleLength = 5
)

// ValidCycleLength reports whether n is an accepted cycle length.
func ValidCycleLength(n int) bool {
	return n >= MinCycleLength && n <= MaxCycleLength
}

// firstSet returns the first non-nil value, or fallback.
func firstSet[T any](fallback T, candidates ...*T) T {
	for _, c := range candidates {
		if c != nil {
			return *c
		}
	}
	return fallback
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// EffectiveMaxVisits resolves the visit limit for phase: phase override,
// then policy override, then global.
func (p *Policy) EffectiveMaxVisits(phase string, global int) int {
	ph, _ := p.Phase(phase)
	return firstSet(global, ph.MaxVisits, p.LoopPrevention.MaxVisits)
}

// EffectiveMaxTransitions resolves the per-pair transition limit.
func (p *Policy) EffectiveMaxTransitions(global int) int {
	return firstSet(global, p.LoopPrevention.MaxTransitions)
}

// EffectiveCycleLength resolves the cycle detection length.
func (p *Policy) EffectiveCycleLength(global int) int {
	return firstSet(global, p.LoopPrevention.CycleLength)
}

// FallbackAgentFor resolves the fallback agent for phase. An empty result
// means no fallback is configured anywhere.
func (p *Policy) FallbackAgentFor(phase, global string) string {
	ph, _ := p.Phase(phase)
	return firstSet(global, nonEmpty(ph.FallbackAgent), nonEmpty(p.FallbackAgent))
}
