package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			if Commit != "" {
				fmt.Fprintf(a.stdout, "phasegate %s (%s)\n", Version, Commit)
				return
			}
			fmt.Fprintf(a.stdout, "phasegate %s\n", Version)
		},
	}
}
