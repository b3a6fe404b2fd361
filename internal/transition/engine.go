package transition

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/history"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/loopguard"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/policy"
)

// RetryCountSource selects where the retry counter of a failed run comes from.
type RetryCountSource string

const (
	// RetryCountOutcome trusts Outcome.RetryCount (absent means 0).
	RetryCountOutcome RetryCountSource = "outcome"
	// RetryCountHistory counts earlier failed runs of the phase.
	RetryCountHistory RetryCountSource = "history"
)

func (s RetryCountSource) Valid() bool {
	return s == RetryCountOutcome || s == RetryCountHistory
}

type Options struct {
	RetryCountSource RetryCountSource
	// History is required when RetryCountSource is history.
	History history.Reader
	// FallbackAgent is the global fallback for retried phases.
	FallbackAgent string
	Logger        *logging.Logger
}

// Engine computes transitions. It is safe for concurrent use across issues.
type Engine struct {
	policies *policy.Set
	guard    *loopguard.Guard
	opts     Options
	log      *logging.Logger
}

func New(policies *policy.Set, guard *loopguard.Guard, opts Options) (*Engine, error) {
	if policies == nil {
		return nil, errors.New("transition: policy set is required")
	}
	if guard == nil {
		return nil, errors.New("transition: loop guard is required")
	}
	if opts.RetryCountSource == "" {
		opts.RetryCountSource = RetryCountOutcome
	}
	if !opts.RetryCountSource.Valid() {
		return nil, fmt.Errorf("transition: unknown retry count source %q", opts.RetryCountSource)
	}
	if opts.RetryCountSource == RetryCountHistory && opts.History == nil {
		return nil, errors.New("transition: retry count source history needs a history reader")
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Engine{policies: policies, guard: guard, opts: opts, log: log.With("engine")}, nil
}

// Request identifies one completed phase execution.
type Request struct {
	PolicyID string
	Phase    string
	IssueID  string
	Outcome  model.Outcome
}

// Determine turns the outcome of req.Phase into the next transition.
//
// Any candidate that enters a phase passes the loop guard first; a failing
// check turns it into a block. A history error is returned rather than
// guessed around.
func (e *Engine) Determine(ctx context.Context, req Request) (Transition, error) {
	p, ph, err := e.lookup(req)
	if err != nil {
		return Transition{}, err
	}
	if req.Outcome.RequiresApproval {
		return e.done(req, withApproval(block(req.Phase, ReasonOutcomeApproval))), nil
	}

	category := req.Outcome.Category()
	target, cfg := ph.Transitions.Route(category)

	var candidate Transition
	switch {
	case cfg != nil:
		return e.done(req, Transition{
			Type:      TypeDynamicDecision,
			FromPhase: req.Phase,
			Reason:    fmt.Sprintf("Awaiting decision agent (%s) for %s outcome", cfg.Capability, category),
			Decision:  cfg,
		}), nil
	case target != "":
		candidate = move(p, req.Phase, target, fmt.Sprintf("%s outcome routes to %q", category, target))
	default:
		candidate, err = e.linear(ctx, p, req, category)
		if err != nil {
			return Transition{}, err
		}
	}

	t, err := e.guarded(ctx, p, req.IssueID, candidate)
	if err != nil {
		return Transition{}, err
	}
	return e.done(req, t), nil
}

// ResolveDecision turns a validated decision-agent response for a pending
// dynamic_decision into its final transition.
func (e *Engine) ResolveDecision(ctx context.Context, req Request, pending Transition, resp decision.Response) (Transition, error) {
	if pending.Type != TypeDynamicDecision || pending.Decision == nil {
		return Transition{}, fmt.Errorf("resolve decision: pending transition is %q, not %q", pending.Type, TypeDynamicDecision)
	}
	p, _, err := e.lookup(req)
	if err != nil {
		return Transition{}, err
	}
	cfg := pending.Decision
	conf := resp.Confidence

	resolved := func(t Transition) Transition {
		t.Confidence = &conf
		return e.done(req, t)
	}

	switch resp.Kind {
	case decision.ActionRequireApproval:
		return resolved(withApproval(block(req.Phase, ReasonAIApproval))), nil
	case decision.ActionAdvance, decision.ActionJump:
	default:
		return resolved(block(req.Phase, fmt.Sprintf("Unknown decision action %q", resp.Decision))), nil
	}

	target := resp.TargetPhase
	if !cfg.Allows(target) {
		return resolved(block(req.Phase, fmt.Sprintf("Decision target %q is not an allowed destination", target))), nil
	}
	if _, ok := p.PhaseIndex(target); !ok && target != policy.Close {
		return resolved(block(req.Phase, fmt.Sprintf("Decision target %q is not a phase of policy %q", target, p.ID))), nil
	}

	th := cfg.Thresholds
	switch {
	case conf >= th.AutoAdvance:
	case conf >= th.RequireApproval:
		t := withApproval(block(req.Phase, ReasonRequiresApproval))
		t.ProposedPhase = target
		return resolved(t), nil
	default:
		t := block(req.Phase, ReasonLowConfidence)
		t.Escalated = true
		t.ProposedPhase = target
		return resolved(t), nil
	}

	reason := fmt.Sprintf("Decision %s (confidence %.2f)", resp.Decision, conf)
	candidate := decided(req.Phase, target, resp.Kind, reason)
	t, err := e.guarded(ctx, p, req.IssueID, candidate)
	if err != nil {
		return Transition{}, err
	}
	return resolved(t), nil
}

// EscalateInvalid blocks a pending dynamic_decision whose responses never
// validated. The validation errors become the reason verbatim.
func (e *Engine) EscalateInvalid(pending Transition, result decision.ParseResult) Transition {
	reason := "Invalid decision response"
	if summary := result.ErrorSummary(); summary != "" {
		reason += ": " + summary
	}
	t := block(pending.FromPhase, reason)
	t.Escalated = true
	e.log.Infof("%s: %s", pending.FromPhase, reason)
	return t
}

func (e *Engine) lookup(req Request) (*policy.Policy, policy.Phase, error) {
	p, err := e.policies.Get(req.PolicyID)
	if err != nil {
		return nil, policy.Phase{}, err
	}
	ph, ok := p.Phase(req.Phase)
	if !ok {
		return nil, policy.Phase{}, fmt.Errorf("%w: %q in policy %q", policy.ErrUnknownPhase, req.Phase, req.PolicyID)
	}
	return p, ph, nil
}

// linear routes an outcome of a phase without a configured slot.
func (e *Engine) linear(ctx context.Context, p *policy.Policy, req Request, category model.ResultType) (Transition, error) {
	switch category {
	case model.ResultSuccess:
		if p.IsLast(req.Phase) {
			return Transition{Type: TypeClose, FromPhase: req.Phase, NextPhase: policy.Close, Reason: ReasonAllCompleted}, nil
		}
		next, _ := p.Next(req.Phase)
		return Transition{Type: TypeAdvance, FromPhase: req.Phase, NextPhase: next, Reason: fmt.Sprintf("Phase %q completed", req.Phase)}, nil
	case model.ResultFailure:
		return e.retry(ctx, p, req)
	default:
		return block(req.Phase, fmt.Sprintf("No transition configured for %s outcome in phase %q", category, req.Phase)), nil
	}
}

// retry allows another attempt while retryCount+1 < max_attempts: the
// attempt limit counts the first run.
func (e *Engine) retry(ctx context.Context, p *policy.Policy, req Request) (Transition, error) {
	count, err := e.retryCount(ctx, req)
	if err != nil {
		return Transition{}, err
	}
	limit := p.Retry.Attempts()
	if count+1 >= limit {
		return block(req.Phase, fmt.Sprintf("Max retries exceeded (%d)", limit)), nil
	}
	return Transition{
		Type:       TypeRetry,
		FromPhase:  req.Phase,
		NextPhase:  req.Phase,
		Reason:     fmt.Sprintf("Retry %d/%d", count+1, limit),
		Attempt:    count + 1,
		RetryDelay: p.RetryDelay(count).Milliseconds(),
		Agent:      p.FallbackAgentFor(req.Phase, e.opts.FallbackAgent),
	}, nil
}

func (e *Engine) retryCount(ctx context.Context, req Request) (int, error) {
	if e.opts.RetryCountSource == RetryCountHistory {
		failed, err := e.opts.History.CountRuns(ctx, req.IssueID, req.Phase, model.RunFailed)
		if err != nil {
			return 0, fmt.Errorf("count failed runs of %s: %w", req.Phase, err)
		}
		// The run being reported is already recorded.
		return max(failed-1, 0), nil
	}
	n, _ := req.Outcome.Retries()
	return max(n, 0), nil
}

// guarded runs loop prevention on candidates that enter a phase.
func (e *Engine) guarded(ctx context.Context, p *policy.Policy, issueID string, t Transition) (Transition, error) {
	var (
		v   loopguard.Verdict
		err error
	)
	switch t.Type {
	case TypeAdvance, TypeJumpBack:
		v, err = e.guard.Check(ctx, p, issueID, t.FromPhase, t.NextPhase)
	case TypeRetry:
		v, err = e.guard.CheckVisits(ctx, p, issueID, t.NextPhase)
	default:
		return t, nil
	}
	if err != nil {
		return Transition{}, fmt.Errorf("loop prevention %s -> %s: %w", t.FromPhase, t.NextPhase, err)
	}
	if v.Blocked {
		b := block(t.FromPhase, v.Reason)
		b.Check = v.Check
		return b, nil
	}
	if ph, ok := p.Phase(t.NextPhase); ok && ph.RequireApproval && t.Type != TypeRetry {
		t.RequiresApproval = true
	}
	return t, nil
}

func (e *Engine) done(req Request, t Transition) Transition {
	if t.Type == TypeBlock {
		e.log.Infof("%s %s/%s: block: %s", req.IssueID, req.PolicyID, req.Phase, t.Reason)
	} else {
		e.log.Debugf("%s %s/%s: %s -> %s (%s)", req.IssueID, req.PolicyID, req.Phase, t.Type, t.NextPhase, t.Reason)
	}
	return t
}

// move builds the candidate for a direct target: later phases advance,
// earlier (or the same) phase jumps back.
func move(p *policy.Policy, from, target, reason string) Transition {
	if target == policy.Close {
		return Transition{Type: TypeClose, FromPhase: from, NextPhase: policy.Close, Reason: reason}
	}
	typ := TypeJumpBack
	fi, _ := p.PhaseIndex(from)
	if ti, _ := p.PhaseIndex(target); ti > fi {
		typ = TypeAdvance
	}
	return Transition{Type: typ, FromPhase: from, NextPhase: target, Reason: reason}
}

// decided builds the candidate for a decision action; the action shape, not
// the phase order, picks advance or jump_back.
func decided(from, target string, kind decision.ActionKind, reason string) Transition {
	if target == policy.Close {
		return Transition{Type: TypeClose, FromPhase: from, NextPhase: policy.Close, Reason: reason}
	}
	typ := TypeAdvance
	if kind == decision.ActionJump {
		typ = TypeJumpBack
	}
	return Transition{Type: typ, FromPhase: from, NextPhase: target, Reason: reason}
}

func withApproval(t Transition) Transition {
	t.RequiresApproval = true
	return t
}
