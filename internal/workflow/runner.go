package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/history"
	"github.com/msageha/phasegate/internal/lock"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/metrics"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/policy"
	"github.com/msageha/phasegate/internal/transition"
)

// ActionInvalidResponse is the decision event action recorded when no reply
// validated within the re-prompt budget.
const ActionInvalidResponse = "invalid_response"

// ErrNoRuntime is returned by Complete before a runtime is installed.
var ErrNoRuntime = errors.New("workflow runtime not loaded")

// Options wires the Runner's collaborators. Bus and Metrics may be nil.
type Options struct {
	Store   history.Recorder
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Runner applies phase outcomes one issue at a time.
type Runner struct {
	runtime atomic.Pointer[Runtime]
	store   history.Recorder
	locks   *lock.KeyedMutex
	bus     *events.Bus
	metrics *metrics.Metrics
	log     *logging.Logger

	now   func() time.Time
	newID func() string
}

func NewRunner(rt *Runtime, opts Options) (*Runner, error) {
	if opts.Store == nil {
		return nil, errors.New("workflow: history recorder is required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	r := &Runner{
		store:   opts.Store,
		locks:   lock.NewKeyedMutex(),
		bus:     opts.Bus,
		metrics: opts.Metrics,
		log:     log.With("runner"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	if rt != nil {
		r.runtime.Store(rt)
	}
	return r, nil
}

// Runtime returns the runtime new calls will use.
func (r *Runner) Runtime() *Runtime { return r.runtime.Load() }

// Swap installs rt for subsequent calls and returns the previous runtime.
// Calls already in flight finish on the runtime they started with.
func (r *Runner) Swap(rt *Runtime) *Runtime { return r.runtime.Swap(rt) }

// CompleteRequest reports one finished phase execution.
type CompleteRequest struct {
	Issue model.Issue
	// PolicyID is matched from the issue when empty.
	PolicyID string
	Phase    string
	Outcome  model.Outcome
	// RunID identifies the execution. Reporting the same id twice records
	// one visit; a new id is generated when empty.
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
}

// Result is what Complete decided and recorded.
type Result struct {
	RunID      string                `json:"run_id" yaml:"run_id"`
	PolicyID   string                `json:"policy" yaml:"policy"`
	Match      *policy.Match         `json:"match,omitempty" yaml:"match,omitempty"`
	Transition transition.Transition `json:"transition" yaml:"transition"`
	// Decision is the validated agent reply, when one was obtained.
	Decision *decision.Response `json:"decision,omitempty" yaml:"decision,omitempty"`
	// AgentCalls counts prompts sent, re-prompts included.
	AgentCalls int `json:"agent_calls,omitempty" yaml:"agent_calls,omitempty"`
}

// Complete records the run, determines the next transition, resolves any
// dynamic decision and records the outcome. An error means no transition
// was applied; the run itself may already be recorded and a retry with the
// same RunID is safe.
func (r *Runner) Complete(ctx context.Context, req CompleteRequest) (Result, error) {
	rt := r.runtime.Load()
	if rt == nil {
		return Result{}, ErrNoRuntime
	}
	if req.Issue.ID == "" {
		return Result{}, errors.New("complete: issue id is required")
	}

	unlock, err := r.locks.Lock(ctx, req.Issue.ID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	res := Result{RunID: req.RunID, PolicyID: req.PolicyID}
	if res.PolicyID == "" {
		m, err := rt.Policies.Match(req.Issue)
		if err != nil {
			return Result{}, fmt.Errorf("match policy for %s: %w", req.Issue.ID, err)
		}
		for _, w := range m.Warnings {
			r.log.Warnf("%s: %s", req.Issue.ID, w)
		}
		res.PolicyID, res.Match = m.PolicyID, &m
	}
	if res.RunID == "" {
		res.RunID = r.newID()
	}

	if err := r.recordRun(ctx, res, req); err != nil {
		return Result{}, err
	}

	treq := transition.Request{
		PolicyID: res.PolicyID,
		Phase:    req.Phase,
		IssueID:  req.Issue.ID,
		Outcome:  req.Outcome,
	}
	t, err := rt.Engine.Determine(ctx, treq)
	if err != nil {
		return Result{}, err
	}
	if t.Type == transition.TypeDynamicDecision {
		t, err = r.decide(ctx, rt, req, treq, t, &res)
		if err != nil {
			return Result{}, err
		}
	}
	res.Transition = t

	if t.Type == transition.TypeAdvance || t.Type == transition.TypeJumpBack {
		err := r.store.RecordTransition(ctx, model.TransitionRecord{
			IssueID:   req.Issue.ID,
			From:      t.FromPhase,
			To:        t.NextPhase,
			Timestamp: r.now(),
		})
		if err != nil {
			return Result{}, fmt.Errorf("record transition: %w", err)
		}
	}

	r.announce(req.Issue.ID, res)
	return res, nil
}

func (r *Runner) recordRun(ctx context.Context, res Result, req CompleteRequest) error {
	status := model.RunCompleted
	if req.Outcome.Category() == model.ResultFailure {
		status = model.RunFailed
	}
	started := req.StartedAt
	if started.IsZero() {
		started = r.now().Add(-req.Duration)
	}
	err := r.store.RecordRun(ctx, model.Run{
		ID:        res.RunID,
		IssueID:   req.Issue.ID,
		Policy:    res.PolicyID,
		Phase:     req.Phase,
		Status:    status,
		StartedAt: started,
		Duration:  req.Duration,
	})
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// decide runs the bounded prompt/parse loop for a pending dynamic decision.
func (r *Runner) decide(ctx context.Context, rt *Runtime, req CompleteRequest, treq transition.Request, pending transition.Transition, res *Result) (transition.Transition, error) {
	cfg := pending.Decision
	phases, err := rt.Policies.PhaseSequence(res.PolicyID)
	if err != nil {
		return transition.Transition{}, err
	}
	hc, err := rt.Gatherer.Gather(ctx, req.Issue.ID, req.Phase, phases)
	if err != nil {
		return transition.Transition{}, fmt.Errorf("gather decision context: %w", err)
	}

	maxReprompts := rt.Config.MaxReprompts()
	var (
		parsed   decision.ParseResult
		feedback []string
	)
	for attempt := 0; attempt <= maxReprompts; attempt++ {
		prompt, err := rt.Builder.BuildInstructions(decision.Request{
			Issue:        req.Issue,
			Policy:       res.PolicyID,
			CurrentPhase: req.Phase,
			Config:       cfg,
			Outcome:      req.Outcome,
			History:      hc,
			Feedback:     feedback,
		})
		if err != nil {
			return transition.Transition{}, err
		}

		start := time.Now()
		raw, err := rt.Agent.Execute(ctx, prompt)
		r.metrics.RecordAgentCall(rt.Agent.Name(), time.Since(start), err)
		res.AgentCalls++
		if err != nil {
			return transition.Transition{}, fmt.Errorf("decision agent: %w", err)
		}

		parsed = decision.Parse(raw, cfg.AllowedDestinations, cfg.Thresholds)
		for _, w := range parsed.Warnings {
			r.log.Debugf("%s/%s: decision reply: %s", req.Issue.ID, req.Phase, w)
		}
		if parsed.Valid {
			break
		}
		feedback = parsed.Errors
		if attempt < maxReprompts {
			r.metrics.RecordReprompt()
			r.log.Warnf("%s/%s: invalid decision reply (attempt %d/%d): %s",
				req.Issue.ID, req.Phase, attempt+1, maxReprompts+1, parsed.ErrorSummary())
		}
	}

	ev := model.DecisionEvent{
		ID:        r.newID(),
		IssueID:   req.Issue.ID,
		Policy:    res.PolicyID,
		Phase:     req.Phase,
		Timestamp: r.now(),
	}
	var final transition.Transition
	if parsed.Valid {
		resp := *parsed.Response
		final, err = rt.Engine.ResolveDecision(ctx, treq, pending, resp)
		if err != nil {
			return transition.Transition{}, err
		}
		res.Decision = &resp
		ev.Action, ev.TargetPhase = resp.Decision, resp.TargetPhase
		ev.Confidence, ev.Reasoning = resp.Confidence, resp.Reasoning
		r.metrics.RecordDecision(string(resp.Kind), string(decision.BucketOf(resp.Confidence)))
	} else {
		final = rt.Engine.EscalateInvalid(pending, parsed)
		ev.Action = ActionInvalidResponse
		r.metrics.RecordDecision(ActionInvalidResponse, string(decision.BucketLow))
	}
	ev.Transition = string(final.Type)
	ev.RequiredApproval = final.RequiresApproval
	ev.Escalated = final.Escalated

	if err := r.store.RecordDecision(ctx, ev); err != nil {
		return transition.Transition{}, fmt.Errorf("record decision: %w", err)
	}
	if r.bus != nil {
		r.bus.Publish(events.EventDecision, req.Issue.ID, map[string]any{
			"policy":     ev.Policy,
			"phase":      ev.Phase,
			"action":     ev.Action,
			"target":     ev.TargetPhase,
			"confidence": ev.Confidence,
			"transition": ev.Transition,
			"calls":      res.AgentCalls,
		})
	}
	return final, nil
}

func (r *Runner) announce(issueID string, res Result) {
	t := res.Transition
	r.metrics.RecordTransition(res.PolicyID, string(t.Type))
	if t.Escalated {
		r.metrics.RecordEscalation(escalationReason(t))
	}
	if t.Blocked() {
		r.log.Warnf("%s: blocked in %s (%s)", issueID, t.FromPhase, t.Reason)
	} else {
		r.log.Infof("%s: %s %s -> %s (%s)", issueID, t.Type, t.FromPhase, t.NextPhase, t.Reason)
	}

	if r.bus == nil {
		return
	}
	data := map[string]any{
		"policy": res.PolicyID,
		"type":   string(t.Type),
		"from":   t.FromPhase,
		"to":     t.NextPhase,
		"reason": t.Reason,
	}
	if t.Agent != "" {
		data["agent"] = t.Agent
	}
	r.bus.Publish(events.EventTransition, issueID, data)
	if t.Escalated || t.RequiresApproval {
		r.bus.Publish(events.EventEscalation, issueID, map[string]any{
			"policy":            res.PolicyID,
			"phase":             t.FromPhase,
			"reason":            t.Reason,
			"proposed_phase":    t.ProposedPhase,
			"requires_approval": t.RequiresApproval,
			"escalated":         t.Escalated,
		})
	}
}

func escalationReason(t transition.Transition) string {
	if t.Reason == transition.ReasonLowConfidence {
		return "low_confidence"
	}
	return ActionInvalidResponse
}
