package main

import (
	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var computeEnvsCmd = &cobra.Command{
	Use:     "compute-envs [FILTER]",
	Aliases: []string{"ce"},
	Short:   "List compute environments, or show the one a filter selects",
	Args:    cobra.MaximumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}

		if len(args) == 1 {
			env, err := c.FindComputeEnv(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			env, err = c.GetComputeEnv(cmd.Context(), env.ID)
			if err != nil {
				return err
			}
			cmd.Printf("%-12s %s (%s)\n", "Name:", color.HiCyanString(env.Name), env.ID)
			cmd.Printf("%-12s %s\n", "Platform:", env.Platform)
			cmd.Printf("%-12s %s\n", "Status:", env.Status)
			cmd.Printf("%-12s %s\n", "Work dir:", env.WorkDir)
			if env.PreRunScript != "" {
				cmd.Println("Pre-run script:")
				cmd.Println(indent(env.PreRunScript, "  "))
			}
			if env.PostRunScript != "" {
				cmd.Println("Post-run script:")
				cmd.Println(indent(env.PostRunScript, "  "))
			}
			return nil
		}

		envs, err := c.ListComputeEnvs(cmd.Context(), lo.Must(cmd.Flags().GetString("status")))
		if err != nil {
			return err
		}
		for _, env := range envs {
			name := env.Name
			if env.Primary {
				name += " (primary)"
			}
			cmd.Printf("%-24s  %-12s  %-10s  %s\n", env.ID, env.Platform, env.Status, color.HiCyanString(name))
		}
		return nil
	},
}

func init() {
	computeEnvsCmd.Flags().String("status", "", "only list compute environments with this status (e.g. AVAILABLE)")
}
