package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msageha/phasegate/internal/agent"
	"github.com/msageha/phasegate/internal/history"
	"github.com/msageha/phasegate/internal/workflow"
)

type policySummary struct {
	ID         string   `json:"id" yaml:"id"`
	Phases     []string `json:"phases" yaml:"phases"`
	IssueTypes []string `json:"issue_types,omitempty" yaml:"issue_types,omitempty"`
	Priority   int      `json:"priority,omitempty" yaml:"priority,omitempty"`
}

type validateSummary struct {
	Config        string          `json:"config" yaml:"config"`
	DefaultPolicy string          `json:"default_policy" yaml:"default_policy"`
	Policies      []policySummary `json:"policies" yaml:"policies"`
	Templates     []string        `json:"templates" yaml:"templates"`
}

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config, policies and decision templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			// The agent is not contacted; a stand-in avoids requiring API keys.
			rt, err := workflow.Build(cfg, history.NewMemoryStore(), workflow.BuildOptions{
				Agent:  agent.NewScripted(),
				Logger: a.logger(cfg),
			})
			if err != nil {
				return err
			}

			sum := validateSummary{
				Config:        a.configPath(),
				DefaultPolicy: rt.Policies.DefaultPolicy(),
				Templates:     rt.Templates.Names(),
			}
			for _, p := range rt.Policies.Policies() {
				sum.Policies = append(sum.Policies, policySummary{
					ID:         p.ID,
					Phases:     p.PhaseNames(),
					IssueTypes: p.IssueTypes,
					Priority:   p.Priority,
				})
			}
			return a.print(sum, func(w io.Writer) {
				fmt.Fprintf(w, "%s: ok\n", sum.Config)
				for _, p := range sum.Policies {
					marker := " "
					if p.ID == sum.DefaultPolicy {
						marker = "*"
					}
					fmt.Fprintf(w, "%s %s: %s\n", marker, p.ID, strings.Join(p.Phases, " -> "))
				}
				fmt.Fprintf(w, "templates: %s\n", strings.Join(sum.Templates, ", "))
			})
		},
	}
}
