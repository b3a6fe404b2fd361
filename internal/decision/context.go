package decision

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/phasegate/internal/history"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/policy"
)

// History window sizes used when gathering prompt context.
const (
	DecisionHistoryLimit   = 5
	RecentTransitionsLimit = 10
)

// PromptContext is the fixed data every decision template renders against.
type PromptContext struct {
	Issue               model.Issue
	Policy              string
	CurrentPhase        string
	Capability          string
	PreviousOutcome     OutcomeView
	AllowedDestinations []string
	Thresholds          policy.ConfidenceThresholds
	DecisionHistory     []model.DecisionEvent
	VisitHistory        VisitHistory
	Performance         model.DurationStats
	// Feedback lists the validation errors of a rejected previous reply.
	Feedback []string
}

// OutcomeView is the template-facing form of an Outcome with metrics in a
// stable order.
type OutcomeView struct {
	Success    bool
	ResultType model.ResultType
	Message    string
	Error      string
	Warnings   []string
	Metrics    []Metric
}

type Metric struct {
	Name  string
	Value float64
}

type PhaseVisit struct {
	Phase string
	Count int
}

type VisitHistory struct {
	PhaseVisits       []PhaseVisit
	RecentTransitions []model.TransitionRecord
}

func newOutcomeView(o model.Outcome) OutcomeView {
	v := OutcomeView{
		Success:    o.Success,
		ResultType: o.Category(),
		Message:    o.Message,
		Error:      o.Error,
		Warnings:   o.Warnings,
	}
	for name, val := range o.Metrics {
		v.Metrics = append(v.Metrics, Metric{Name: name, Value: val})
	}
	sort.Slice(v.Metrics, func(i, j int) bool { return v.Metrics[i].Name < v.Metrics[j].Name })
	return v
}

// HistoryContext is the history-derived part of a PromptContext.
type HistoryContext struct {
	DecisionHistory []model.DecisionEvent
	VisitHistory    VisitHistory
	Performance     model.DurationStats
}

// Gatherer reads prompt context from run history.
type Gatherer struct {
	reader history.Reader
}

func NewGatherer(reader history.Reader) *Gatherer {
	return &Gatherer{reader: reader}
}

// Gather runs the history queries for one decision concurrently. phases is
// the policy's phase sequence; visit counts are reported in that order.
// Any query failure fails the whole call.
func (g *Gatherer) Gather(ctx context.Context, issueID, currentPhase string, phases []string) (HistoryContext, error) {
	var (
		hc     HistoryContext
		mu     sync.Mutex
		visits = make([]PhaseVisit, len(phases))
	)
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		evs, err := g.reader.DecisionEvents(ctx, issueID, DecisionHistoryLimit)
		if err != nil {
			return fmt.Errorf("decision history: %w", err)
		}
		mu.Lock()
		hc.DecisionHistory = evs
		mu.Unlock()
		return nil
	})
	eg.Go(func() error {
		recent, err := g.reader.TransitionHistory(ctx, issueID, RecentTransitionsLimit)
		if err != nil {
			return fmt.Errorf("transition history: %w", err)
		}
		mu.Lock()
		hc.VisitHistory.RecentTransitions = recent
		mu.Unlock()
		return nil
	})
	eg.Go(func() error {
		st, err := g.reader.PhaseDurationStats(ctx, issueID, currentPhase)
		if err != nil {
			return fmt.Errorf("duration stats: %w", err)
		}
		mu.Lock()
		hc.Performance = st
		mu.Unlock()
		return nil
	})
	for i, phase := range phases {
		eg.Go(func() error {
			n, err := g.reader.CountRuns(ctx, issueID, phase, "")
			if err != nil {
				return fmt.Errorf("visits of %s: %w", phase, err)
			}
			visits[i] = PhaseVisit{Phase: phase, Count: n}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return HistoryContext{}, err
	}
	for _, v := range visits {
		if v.Count > 0 {
			hc.VisitHistory.PhaseVisits = append(hc.VisitHistory.PhaseVisits, v)
		}
	}
	return hc, nil
}
