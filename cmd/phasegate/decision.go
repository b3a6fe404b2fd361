package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/policy"
)

// errReplyRejected makes parse-decision exit non-zero for invalid replies.
var errReplyRejected = errors.New("decision reply rejected")

func (a *app) parseDecisionCmd() *cobra.Command {
	var (
		allowed         []string
		autoAdvance     float64
		requireApproval float64
		policyID        string
		phase           string
		result          string
	)
	cmd := &cobra.Command{
		Use:   "parse-decision [file]",
		Short: "Validate a decision-agent reply",
		Long: `Parses a raw agent reply (from file or stdin) the way the transition
engine does. The whitelist and thresholds come from flags, or from the
decision slot at --policy/--phase/--result in the config.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readReply(cmd, args)
			if err != nil {
				return err
			}

			thresholds := policy.ConfidenceThresholds{
				AutoAdvance:     autoAdvance,
				RequireApproval: requireApproval,
			}
			if policyID != "" || phase != "" {
				cfg, err := a.slotConfig(policyID, phase, result)
				if err != nil {
					return err
				}
				allowed, thresholds = cfg.AllowedDestinations, cfg.Thresholds
			}
			if len(allowed) == 0 {
				return errors.New("no allowed destinations (use --allow or --policy/--phase)")
			}

			res := decision.Parse(raw, allowed, thresholds)
			if err := a.print(res, func(w io.Writer) { printParseResult(w, res) }); err != nil {
				return err
			}
			if !res.Valid {
				return errReplyRejected
			}
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringSliceVar(&allowed, "allow", nil, "allowed destination phases")
	fs.Float64Var(&autoAdvance, "auto-advance", policy.DefaultAutoAdvance, "confidence at or above which the move is applied")
	fs.Float64Var(&requireApproval, "require-approval", policy.DefaultRequireApproval, "confidence at or above which approval is requested")
	fs.StringVar(&policyID, "policy", "", "take the slot config from this policy")
	fs.StringVar(&phase, "phase", "", "phase whose transitions hold the slot")
	fs.StringVar(&result, "result", string(model.ResultUnclear), "outcome category selecting the slot")
	return cmd
}

func (a *app) slotConfig(policyID, phase, result string) (*policy.DecisionConfig, error) {
	if policyID == "" || phase == "" {
		return nil, errors.New("--policy and --phase go together")
	}
	category, err := model.ParseResultType(result)
	if err != nil {
		return nil, err
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	set, err := cfg.PolicySet()
	if err != nil {
		return nil, err
	}
	ph, err := set.PhaseConfig(policyID, phase)
	if err != nil {
		return nil, err
	}
	_, dc := ph.Transitions.Route(category)
	if dc == nil {
		return nil, fmt.Errorf("%s/%s routes %s without a decision agent", policyID, phase, category)
	}
	return dc, nil
}

func readReply(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func printParseResult(w io.Writer, res decision.ParseResult) {
	if res.Valid {
		r := res.Response
		fmt.Fprintf(w, "valid: %s (confidence %.2f, %s)\n", r.Decision, r.Confidence, decision.BucketOf(r.Confidence))
		fmt.Fprintf(w, "  reasoning: %s\n", r.Reasoning)
	} else {
		fmt.Fprintln(w, "invalid:")
		for _, e := range res.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
	if len(res.Warnings) > 0 {
		fmt.Fprintf(w, "warnings: %s\n", strings.Join(res.Warnings, "; "))
	}
}
