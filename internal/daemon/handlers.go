package daemon

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/history"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/policy"
	"github.com/msageha/phasegate/internal/uds"
	"github.com/msageha/phasegate/internal/workflow"
)

// Commands served over the socket.
const (
	CmdPing      = "ping"
	CmdStatus    = "status"
	CmdMatch     = "match"
	CmdComplete  = "complete"
	CmdAnalytics = "analytics"
	CmdReload    = "reload"
	CmdShutdown  = "shutdown"
)

// CompleteParams reports one finished phase execution.
type CompleteParams struct {
	Issue      model.Issue   `json:"issue"`
	Policy     string        `json:"policy,omitempty"`
	Phase      string        `json:"phase"`
	Outcome    model.Outcome `json:"outcome"`
	RunID      string        `json:"run_id,omitempty"`
	DurationMs int64         `json:"duration_ms,omitempty"`
}

type AnalyticsParams struct {
	IssueID string `json:"issue_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type Status struct {
	PID            int       `json:"pid" yaml:"pid"`
	Version        string    `json:"version,omitempty" yaml:"version,omitempty"`
	StartedAt      time.Time `json:"started_at" yaml:"started_at"`
	ConfigPath     string    `json:"config_path" yaml:"config_path"`
	HistoryBackend string    `json:"history_backend" yaml:"history_backend"`
	Agent          string    `json:"agent" yaml:"agent"`
	DefaultPolicy  string    `json:"default_policy" yaml:"default_policy"`
	Policies       []string  `json:"policies" yaml:"policies"`
	EventsDropped  uint64    `json:"events_dropped" yaml:"events_dropped"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(CmdPing, func(ctx context.Context, req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})
	d.server.Handle(CmdStatus, d.handleStatus)
	d.server.Handle(CmdMatch, d.handleMatch)
	d.server.Handle(CmdComplete, d.handleComplete)
	d.server.Handle(CmdAnalytics, d.handleAnalytics)

	d.server.Handle(CmdReload, func(ctx context.Context, req *uds.Request) *uds.Response {
		if err := d.reloader.Reload(); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		return d.handleStatus(ctx, req)
	})

	d.server.Handle(CmdShutdown, func(ctx context.Context, req *uds.Request) *uds.Response {
		d.log.Infof("shutdown requested via UDS")
		// Run performs the shutdown once its context is cancelled.
		d.cancel()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleStatus(ctx context.Context, req *uds.Request) *uds.Response {
	rt := d.runner.Runtime()
	st := Status{
		PID:            os.Getpid(),
		Version:        d.opts.Version,
		StartedAt:      d.startedAt,
		ConfigPath:     d.configPath,
		HistoryBackend: d.cfg.History.Backend,
		Agent:          rt.Agent.Name(),
		DefaultPolicy:  rt.Policies.DefaultPolicy(),
		EventsDropped:  d.bus.Dropped(),
	}
	for _, p := range rt.Policies.Policies() {
		st.Policies = append(st.Policies, p.ID)
	}
	return uds.SuccessResponse(st)
}

func (d *Daemon) handleMatch(ctx context.Context, req *uds.Request) *uds.Response {
	var issue model.Issue
	if err := req.Decode(&issue); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	m, err := d.runner.Runtime().Policies.Match(issue)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(m)
}

func (d *Daemon) handleComplete(ctx context.Context, req *uds.Request) *uds.Response {
	var p CompleteParams
	if err := req.Decode(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.Issue.ID == "" || p.Phase == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "issue.id and phase are required")
	}
	res, err := d.runner.Complete(ctx, workflow.CompleteRequest{
		Issue:    p.Issue,
		PolicyID: p.Policy,
		Phase:    p.Phase,
		Outcome:  p.Outcome,
		RunID:    p.RunID,
		Duration: time.Duration(p.DurationMs) * time.Millisecond,
	})
	if err != nil {
		d.log.Warnf("complete %s/%s: %v", p.Issue.ID, p.Phase, err)
		return errorResponse(err)
	}
	return uds.SuccessResponse(res)
}

func (d *Daemon) handleAnalytics(ctx context.Context, req *uds.Request) *uds.Response {
	var p AnalyticsParams
	if err := req.Decode(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	evs, err := d.store.DecisionEvents(ctx, p.IssueID, p.Limit)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(decision.Summarize(evs))
}

// errorResponse maps domain errors onto protocol error codes.
func errorResponse(err error) *uds.Response {
	code := uds.ErrCodeInternal
	switch {
	case errors.Is(err, policy.ErrUnknownPolicy),
		errors.Is(err, policy.ErrUnknownPhase),
		errors.Is(err, policy.ErrUnknownWorkflowLabel):
		code = uds.ErrCodeNotFound
	case errors.Is(err, history.ErrHistoryUnavailable):
		code = uds.ErrCodeUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = uds.ErrCodeCancelled
	}
	return uds.ErrorResponse(code, err.Error())
}
