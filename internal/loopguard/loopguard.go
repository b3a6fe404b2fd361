// Package loopguard keeps workflow graphs bounded. Each check is a pure
// function over history query results; Guard composes them in a fixed order
// and fails closed when history cannot be read.
package loopguard

import (
	"context"
	"fmt"
	"strings"

	"github.com/msageha/phasegate/internal/history"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/policy"
)

// Global defaults used when neither phase nor policy override a limit.
const (
	DefaultMaxPhaseVisits = 10
	DefaultMaxTransitions = 5
	DefaultCycleLength    = 3
)

// Check names a loop-prevention check.
type Check string

const (
	CheckVisits      Check = "phase_visits"
	CheckTransitions Check = "transition_pair"
	CheckCycle       Check = "cycle"
)

// Limits are the global loop-prevention defaults.
type Limits struct {
	MaxPhaseVisits int `yaml:"max_phase_visits"`
	MaxTransitions int `yaml:"max_transitions"`
	CycleLength    int `yaml:"cycle_length"`
}

// DefaultLimits returns the built-in global limits.
func DefaultLimits() Limits {
	return Limits{
		MaxPhaseVisits: DefaultMaxPhaseVisits,
		MaxTransitions: DefaultMaxTransitions,
		CycleLength:    DefaultCycleLength,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxPhaseVisits <= 0 {
		l.MaxPhaseVisits = DefaultMaxPhaseVisits
	}
	if l.MaxTransitions <= 0 {
		l.MaxTransitions = DefaultMaxTransitions
	}
	if l.CycleLength == 0 {
		l.CycleLength = DefaultCycleLength
	}
	return l
}

// Verdict is the result of running the checks for one candidate move.
// A zero Verdict allows the move.
type Verdict struct {
	Blocked bool
	Check   Check
	Reason  string
	Path    []string
}

func allow() Verdict { return Verdict{} }

// Guard runs the checks against a history reader.
type Guard struct {
	limits Limits
	reader history.Reader
}

// New builds a Guard. Zero limits fall back to the defaults.
func New(limits Limits, reader history.Reader) (*Guard, error) {
	if reader == nil {
		return nil, fmt.Errorf("loopguard: history reader is required")
	}
	limits = limits.withDefaults()
	if !policy.ValidCycleLength(limits.CycleLength) {
		return nil, fmt.Errorf("loopguard: cycle_length %d outside %d-%d",
			limits.CycleLength, policy.MinCycleLength, policy.MaxCycleLength)
	}
	return &Guard{limits: limits, reader: reader}, nil
}

func (g *Guard) Limits() Limits { return g.limits }

// Check runs the visit, transition-pair and cycle checks in that order for
// the move from -> to. The first failure wins. A history error is returned
// as is and must be treated as a block by the caller. Closing is never
// limited.
func (g *Guard) Check(ctx context.Context, p *policy.Policy, issueID, from, to string) (Verdict, error) {
	if to == policy.Close {
		return allow(), nil
	}
	if v, err := g.CheckVisits(ctx, p, issueID, to); err != nil || v.Blocked {
		return v, err
	}

	maxPair := p.EffectiveMaxTransitions(g.limits.MaxTransitions)
	count, err := g.reader.CountTransitions(ctx, issueID, from, to)
	if err != nil {
		return Verdict{}, fmt.Errorf("count transitions %s -> %s: %w", from, to, err)
	}
	if PairLimitExceeded(count, maxPair) {
		return Verdict{
			Blocked: true,
			Check:   CheckTransitions,
			Reason:  fmt.Sprintf("Transition %q -> %q limit reached (%d/%d)", from, to, count, maxPair),
		}, nil
	}

	cycleLen := p.EffectiveCycleLength(g.limits.CycleLength)
	hist, err := g.reader.TransitionHistory(ctx, issueID, 2*cycleLen)
	if err != nil {
		return Verdict{}, fmt.Errorf("transition history: %w", err)
	}
	if cyclic, path := DetectCycle(hist, cycleLen); cyclic {
		return Verdict{
			Blocked: true,
			Check:   CheckCycle,
			Reason:  "Cycle detected: " + strings.Join(path, " -> "),
			Path:    path,
		}, nil
	}
	return allow(), nil
}

// CheckVisits runs only the phase visit limit. Retries use it because they
// re-enter the same phase rather than traversing an edge.
func (g *Guard) CheckVisits(ctx context.Context, p *policy.Policy, issueID, phase string) (Verdict, error) {
	if phase == policy.Close {
		return allow(), nil
	}
	maxVisits := p.EffectiveMaxVisits(phase, g.limits.MaxPhaseVisits)
	visits, err := g.reader.CountRuns(ctx, issueID, phase, "")
	if err != nil {
		return Verdict{}, fmt.Errorf("count visits of %s: %w", phase, err)
	}
	if VisitLimitExceeded(visits, maxVisits) {
		return Verdict{
			Blocked: true,
			Check:   CheckVisits,
			Reason:  fmt.Sprintf("Phase %q visit limit reached (%d/%d)", phase, visits, maxVisits),
		}, nil
	}
	return allow(), nil
}

// VisitLimitExceeded reports whether another entry would exceed limit.
func VisitLimitExceeded(visits, limit int) bool {
	return visits >= limit
}

// PairLimitExceeded reports whether another traversal of an edge already
// taken count times would exceed limit.
func PairLimitExceeded(count, limit int) bool {
	return count >= limit
}

// DetectCycle inspects the last 2*cycleLength edges of hist (chronological).
// The window is an oscillation when it reads the same backwards: edge i is
// edge n-1-i reversed for every i. It returns the walked node path when a
// cycle is found. Shorter histories never flag.
func DetectCycle(hist []model.TransitionRecord, cycleLength int) (bool, []string) {
	n := 2 * cycleLength
	if cycleLength <= 0 || len(hist) < n {
		return false, nil
	}
	window := hist[len(hist)-n:]
	for i := 0; i < n/2; i++ {
		a, b := window[i], window[n-1-i]
		if a.From != b.To || a.To != b.From {
			return false, nil
		}
	}
	path := make([]string, 0, n+1)
	path = append(path, window[0].From)
	for _, e := range window {
		path = append(path, e.To)
	}
	return true, path
}
