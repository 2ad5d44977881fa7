package main

import (
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/towerlaunch/client/ui"
	"github.com/gammadia/towerlaunch/tower"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List runs",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}

		workflows, total, err := c.ListWorkflows(cmd.Context(), tower.ListOptions{
			Search: lo.Must(cmd.Flags().GetString("search")),
			Max:    lo.Must(cmd.Flags().GetInt("max")),
		})
		if err != nil {
			return err
		}

		for _, w := range workflows {
			submitted := "unknown            "
			if w.Submit != nil {
				submitted = w.Submit.Local().Truncate(time.Second).Format(time.DateTime)
			}
			cmd.Printf("%s  %-14s  %-12s  %-30s  %s\n", submitted, w.ID, w.UserName, color.HiCyanString(w.RunName), ui.StatusString(w.Status))
		}
		if total > len(workflows) {
			cmd.PrintErrf("%d of %d runs shown\n", len(workflows), total)
		}
		return nil
	},
}

func init() {
	psCmd.Flags().StringP("search", "s", "", "only list runs matching this search (e.g. a run name)")
	psCmd.Flags().Int("max", 50, "maximum number of runs to list")
}
