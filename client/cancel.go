package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel RUN_ID...",
	Short: "Cancel running or submitted runs",
	Args:  cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}

		for _, id := range args {
			if err := c.CancelWorkflow(cmd.Context(), id); err != nil {
				return err
			}
			cmd.PrintErrln(color.HiGreenString("Cancelled run '%s'", id))
		}
		return nil
	},
}
