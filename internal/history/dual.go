package history

import (
	"context"
	"errors"

	"github.com/msageha/phasegate/internal/model"
)

// DualStore writes every record to the journal and then to the index store;
// reads are served by the index. The journal is the durable source of truth
// and can rebuild the index with Replay.
type DualStore struct {
	journal *Journal
	index   Store
}

func NewDualStore(journal *Journal, index Store) *DualStore {
	return &DualStore{journal: journal, index: index}
}

func (d *DualStore) CountRuns(ctx context.Context, issueID, phase string, status model.RunStatus) (int, error) {
	return d.index.CountRuns(ctx, issueID, phase, status)
}

func (d *DualStore) CountTransitions(ctx context.Context, issueID, from, to string) (int, error) {
	return d.index.CountTransitions(ctx, issueID, from, to)
}

func (d *DualStore) TransitionHistory(ctx context.Context, issueID string, limit int) ([]model.TransitionRecord, error) {
	return d.index.TransitionHistory(ctx, issueID, limit)
}

func (d *DualStore) PhaseDurationStats(ctx context.Context, issueID, phase string) (model.DurationStats, error) {
	return d.index.PhaseDurationStats(ctx, issueID, phase)
}

func (d *DualStore) DecisionEvents(ctx context.Context, issueID string, limit int) ([]model.DecisionEvent, error) {
	return d.index.DecisionEvents(ctx, issueID, limit)
}

func (d *DualStore) RecordRun(ctx context.Context, run model.Run) error {
	if err := d.journal.RecordRun(ctx, run); err != nil {
		return err
	}
	return d.index.RecordRun(ctx, run)
}

func (d *DualStore) RecordTransition(ctx context.Context, rec model.TransitionRecord) error {
	if err := d.journal.RecordTransition(ctx, rec); err != nil {
		return err
	}
	return d.index.RecordTransition(ctx, rec)
}

func (d *DualStore) RecordDecision(ctx context.Context, ev model.DecisionEvent) error {
	if err := d.journal.RecordDecision(ctx, ev); err != nil {
		return err
	}
	return d.index.RecordDecision(ctx, ev)
}

func (d *DualStore) Close() error {
	return errors.Join(d.journal.Close(), d.index.Close())
}
