package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/daemon"
	"github.com/msageha/phasegate/internal/telemetry"
	"github.com/msageha/phasegate/internal/transition"
	"github.com/msageha/phasegate/internal/uds"
	"github.com/msageha/phasegate/internal/workflow"
)

func (a *app) transitionCmd() *cobra.Command {
	var (
		in       issueFlags
		out      outcomeFlags
		policyID string
		phase    string
		runID    string
		duration time.Duration
		remote   bool
	)
	cmd := &cobra.Command{
		Use:   "transition",
		Short: "Report a finished phase and apply the resulting transition",
		Long: `Records the run, determines the next transition and resolves any
dynamic decision through the configured agent.

By default the command opens the configured history store itself. With
--server the outcome is sent to a running 'phasegate serve'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			issue, err := in.issue()
			if err != nil {
				return err
			}
			outcome, err := out.outcome(cmd)
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			params := daemon.CompleteParams{
				Issue:      issue,
				Policy:     policyID,
				Phase:      phase,
				Outcome:    outcome,
				RunID:      runID,
				DurationMs: duration.Milliseconds(),
			}

			var res workflow.Result
			if remote {
				err = uds.NewClient(daemon.SocketPath(cfg)).Call(cmd.Context(), daemon.CmdComplete, params, &res)
			} else {
				res, err = a.completeLocal(cmd.Context(), cfg, params)
			}
			if err != nil {
				return err
			}
			return a.print(res, func(w io.Writer) { printResult(w, issue.ID, res) })
		},
	}
	in.register(cmd)
	out.register(cmd)
	fs := cmd.Flags()
	fs.StringVar(&policyID, "policy", "", "policy id (default: matched from the issue)")
	fs.StringVar(&phase, "phase", "", "phase that finished")
	fs.StringVar(&runID, "run-id", "", "execution id; reporting the same id twice counts one visit")
	fs.DurationVar(&duration, "duration", 0, "how long the phase ran")
	fs.BoolVar(&remote, "server", false, "send to a running phasegate serve")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func (a *app) completeLocal(ctx context.Context, cfg *config.Config, p daemon.CompleteParams) (workflow.Result, error) {
	log := a.logger(cfg)
	opts := telemetry.FromEnv(telemetry.Options{Enabled: cfg.Telemetry.Enabled, Stdout: cfg.Telemetry.Stdout})
	if err := telemetry.Init(ctx, "phasegate", Version, opts); err != nil {
		return workflow.Result{}, fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			log.Warnf("telemetry shutdown: %v", err)
		}
	}()

	store, err := workflow.OpenStore(cfg)
	if err != nil {
		return workflow.Result{}, fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	rt, err := workflow.Build(cfg, store, workflow.BuildOptions{Logger: log})
	if err != nil {
		return workflow.Result{}, err
	}
	runner, err := workflow.NewRunner(rt, workflow.Options{Store: store, Logger: log})
	if err != nil {
		return workflow.Result{}, err
	}
	return runner.Complete(ctx, workflow.CompleteRequest{
		Issue:    p.Issue,
		PolicyID: p.Policy,
		Phase:    p.Phase,
		Outcome:  p.Outcome,
		RunID:    p.RunID,
		Duration: time.Duration(p.DurationMs) * time.Millisecond,
	})
}

func printResult(w io.Writer, issueID string, res workflow.Result) {
	t := res.Transition
	to := t.NextPhase
	if to == "" {
		to = "-"
	}
	fmt.Fprintf(w, "%s [%s]: %s %s -> %s\n", issueID, res.PolicyID, t.Type, t.FromPhase, to)
	fmt.Fprintf(w, "  reason: %s\n", t.Reason)
	if t.Type == transition.TypeRetry {
		fmt.Fprintf(w, "  attempt: %d, delay: %s\n", t.Attempt, time.Duration(t.RetryDelay)*time.Millisecond)
	}
	if t.Agent != "" {
		fmt.Fprintf(w, "  agent: %s\n", t.Agent)
	}
	if d := res.Decision; d != nil {
		fmt.Fprintf(w, "  decision: %s (confidence %.2f): %s\n", d.Decision, d.Confidence, d.Reasoning)
	}
	if t.ProposedPhase != "" {
		fmt.Fprintf(w, "  proposed: %s\n", t.ProposedPhase)
	}
	if t.Check != "" {
		fmt.Fprintf(w, "  check: %s\n", t.Check)
	}
	fmt.Fprintf(w, "  run: %s\n", res.RunID)
}
