package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/phasegate/internal/setup"
)

func (a *app) initCmd() *cobra.Command {
	var opts setup.Options
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a starter phasegate.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			path, err := setup.Run(dir, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "wrote %s\n", path)
			if opts.CopyTemplates {
				fmt.Fprintf(a.stdout, "decision templates in %s\n", setup.TemplatesDir)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.CopyTemplates, "templates", false, "copy the decision templates into the project for editing")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "replace an existing phasegate.yaml (a .bak is kept)")
	return cmd
}
