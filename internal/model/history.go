package model

import "time"

// RunStatus is the recorded result of one phase execution.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one execution of a phase for an issue. Every run counts as a visit.
type Run struct {
	ID        string        `json:"id"`
	IssueID   string        `json:"issue_id"`
	Policy    string        `json:"policy,omitempty"`
	Phase     string        `json:"phase"`
	Status    RunStatus     `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// TransitionRecord is one phase-to-phase edge taken by an issue.
type TransitionRecord struct {
	IssueID   string    `json:"issue_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// DurationStats aggregates the durations of completed runs of one phase.
type DurationStats struct {
	AvgMs      float64 `json:"avg_ms"`
	TotalMs    float64 `json:"total_ms"`
	VisitCount int     `json:"visit_count"`
}

// DecisionEvent is appended once per resolved dynamic decision.
type DecisionEvent struct {
	ID               string    `json:"id" yaml:"id"`
	IssueID          string    `json:"issue_id" yaml:"issue_id"`
	Policy           string    `json:"policy,omitempty" yaml:"policy,omitempty"`
	Phase            string    `json:"phase" yaml:"phase"`
	Action           string    `json:"action" yaml:"action"`
	TargetPhase      string    `json:"target_phase,omitempty" yaml:"target_phase,omitempty"`
	Confidence       float64   `json:"confidence" yaml:"confidence"`
	Reasoning        string    `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	Transition       string    `json:"transition" yaml:"transition"`
	RequiredApproval bool      `json:"required_approval" yaml:"required_approval"`
	Escalated        bool      `json:"escalated" yaml:"escalated"`
	Timestamp        time.Time `json:"timestamp" yaml:"timestamp"`
}
