package history

import (
	"context"
	"sync"

	"github.com/msageha/phasegate/internal/model"
)

// MemoryStore keeps history in process. Used for dry runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        []model.Run
	transitions []model.TransitionRecord
	decisions   []model.DecisionEvent
	failErr     error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// FailWith makes every subsequent call return err wrapped in
// ErrHistoryUnavailable. Pass nil to recover.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *MemoryStore) failure() error {
	if m.failErr == nil {
		return nil
	}
	return unavailable(m.failErr)
}

func (m *MemoryStore) CountRuns(ctx context.Context, issueID, phase string, status model.RunStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(); err != nil {
		return 0, err
	}
	n := 0
	for _, r := range m.runs {
		if r.IssueID == issueID && r.Phase == phase && (status == "" || r.Status == status) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountTransitions(ctx context.Context, issueID, from, to string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(); err != nil {
		return 0, err
	}
	n := 0
	for _, t := range m.transitions {
		if t.IssueID == issueID && t.From == from && t.To == to {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) TransitionHistory(ctx context.Context, issueID string, limit int) ([]model.TransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(); err != nil {
		return nil, err
	}
	var out []model.TransitionRecord
	for _, t := range m.transitions {
		if t.IssueID == issueID {
			out = append(out, t)
		}
	}
	return tail(out, limit), nil
}

func (m *MemoryStore) PhaseDurationStats(ctx context.Context, issueID, phase string) (model.DurationStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(); err != nil {
		return model.DurationStats{}, err
	}
	var runs []model.Run
	for _, r := range m.runs {
		if r.IssueID == issueID && r.Phase == phase {
			runs = append(runs, r)
		}
	}
	return durationStats(runs), nil
}

func (m *MemoryStore) DecisionEvents(ctx context.Context, issueID string, limit int) ([]model.DecisionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(); err != nil {
		return nil, err
	}
	var out []model.DecisionEvent
	for _, ev := range m.decisions {
		if issueID == "" || ev.IssueID == issueID {
			out = append(out, ev)
		}
	}
	return tail(out, limit), nil
}

func (m *MemoryStore) RecordRun(ctx context.Context, run model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(); err != nil {
		return err
	}
	// A run id already recorded is updated in place, matching the SQLite upsert.
	if run.ID != "" {
		for i := range m.runs {
			if m.runs[i].ID == run.ID {
				m.runs[i].Status = run.Status
				m.runs[i].Duration = run.Duration
				return nil
			}
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *MemoryStore) RecordTransition(ctx context.Context, rec model.TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(); err != nil {
		return err
	}
	m.transitions = append(m.transitions, rec)
	return nil
}

func (m *MemoryStore) RecordDecision(ctx context.Context, ev model.DecisionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(); err != nil {
		return err
	}
	m.decisions = append(m.decisions, ev)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
