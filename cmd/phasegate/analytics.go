package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/msageha/phasegate/internal/daemon"
	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/fileutil"
	"github.com/msageha/phasegate/internal/uds"
	"github.com/msageha/phasegate/internal/workflow"
)

func (a *app) analyticsCmd() *cobra.Command {
	var (
		params daemon.AnalyticsParams
		export string
		remote bool
	)
	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Summarize decision-agent outcomes",
		Long: `Aggregates recorded decisions by action, confidence tier and target
phase. Approval rate per tier shows whether the thresholds fit the agent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			var sum decision.Summary
			if remote {
				err = uds.NewClient(daemon.SocketPath(cfg)).Call(cmd.Context(), daemon.CmdAnalytics, params, &sum)
			} else {
				sum, err = func() (decision.Summary, error) {
					store, err := workflow.OpenStore(cfg)
					if err != nil {
						return decision.Summary{}, fmt.Errorf("open history: %w", err)
					}
					defer store.Close()
					evs, err := store.DecisionEvents(cmd.Context(), params.IssueID, params.Limit)
					if err != nil {
						return decision.Summary{}, err
					}
					return decision.Summarize(evs), nil
				}()
			}
			if err != nil {
				return err
			}

			if export != "" {
				if err := fileutil.WriteYAML(export, sum); err != nil {
					return fmt.Errorf("export: %w", err)
				}
			}
			return a.print(sum, func(w io.Writer) { printSummary(w, sum) })
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&params.IssueID, "issue", "", "only decisions for this issue")
	fs.IntVar(&params.Limit, "limit", 0, "most recent N decisions (0 = all)")
	fs.StringVar(&export, "export", "", "also write the summary as YAML to this path")
	fs.BoolVar(&remote, "server", false, "query a running phasegate serve")
	return cmd
}

func printSummary(w io.Writer, sum decision.Summary) {
	fmt.Fprintf(w, "decisions: %d\n", sum.Total)
	if sum.Total == 0 {
		return
	}

	actions := make([]string, 0, len(sum.ByAction))
	for k := range sum.ByAction {
		actions = append(actions, string(k))
	}
	sort.Strings(actions)
	for _, k := range actions {
		fmt.Fprintf(w, "  %-17s %d\n", k, sum.ByAction[decision.ActionKind(k)])
	}

	fmt.Fprintln(w, "confidence:")
	for _, b := range []decision.ConfidenceBucket{decision.BucketHigh, decision.BucketMedium, decision.BucketLow} {
		st, ok := sum.Confidence[b]
		if !ok || st.Count == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-6s %d (approved %.0f%%, escalated %d)\n", b, st.Count, st.ApprovalRate*100, st.Escalations)
	}

	if len(sum.TopTargets) > 0 {
		fmt.Fprintln(w, "targets:")
		for _, t := range sum.TopTargets {
			fmt.Fprintf(w, "  %s %d\n", t.Phase, t.Count)
		}
	}
}
