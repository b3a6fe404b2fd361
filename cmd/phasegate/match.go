package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func (a *app) matchCmd() *cobra.Command {
	var in issueFlags
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Show which policy an issue is routed to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			issue, err := in.issue()
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			set, err := cfg.PolicySet()
			if err != nil {
				return err
			}
			m, err := set.Match(issue)
			if err != nil {
				return err
			}
			return a.print(m, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s (by %s)\n", issue.ID, m.PolicyID, m.Reason)
				for _, warn := range m.Warnings {
					fmt.Fprintf(w, "warning: %s\n", warn)
				}
			})
		},
	}
	in.register(cmd)
	return cmd
}
