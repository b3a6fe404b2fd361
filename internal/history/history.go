// Package history is the run-history collaborator: the record of phase runs,
// transition edges and decision events that loop prevention and decision
// prompts query.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/phasegate/internal/model"
)

// ErrHistoryUnavailable wraps any backend failure so callers can fail closed.
var ErrHistoryUnavailable = errors.New("run history unavailable")

// Reader is the read-only view the transition engine consumes.
type Reader interface {
	// CountRuns counts runs of phase for the issue. An empty status counts
	// every run (a visit).
	CountRuns(ctx context.Context, issueID, phase string, status model.RunStatus) (int, error)
	// CountTransitions counts how often the issue took the edge from -> to.
	CountTransitions(ctx context.Context, issueID, from, to string) (int, error)
	// TransitionHistory returns the most recent limit edges in chronological
	// order. limit <= 0 returns every edge.
	TransitionHistory(ctx context.Context, issueID string, limit int) ([]model.TransitionRecord, error)
	PhaseDurationStats(ctx context.Context, issueID, phase string) (model.DurationStats, error)
	// DecisionEvents returns the most recent limit events in chronological
	// order. An empty issueID spans all issues.
	DecisionEvents(ctx context.Context, issueID string, limit int) ([]model.DecisionEvent, error)
}

// Recorder appends to the history.
type Recorder interface {
	RecordRun(ctx context.Context, run model.Run) error
	RecordTransition(ctx context.Context, rec model.TransitionRecord) error
	RecordDecision(ctx context.Context, ev model.DecisionEvent) error
}

type Store interface {
	Reader
	Recorder
	Close() error
}

func unavailable(err error) error {
	if errors.Is(err, ErrHistoryUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
}

func tail[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}

func durationStats(runs []model.Run) model.DurationStats {
	var st model.DurationStats
	for _, r := range runs {
		st.VisitCount++
		st.TotalMs += float64(r.Duration.Milliseconds())
	}
	if st.VisitCount > 0 {
		st.AvgMs = st.TotalMs / float64(st.VisitCount)
	}
	return st
}
