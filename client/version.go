package main

import (
	"math"

	"github.com/gammadia/towerlaunch/flags"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version number of Towerlaunch",

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("towerlaunch version %s (%s)\n", version, commit[:int(math.Min(float64(len(commit)), 7))])

		if viper.GetString(flags.AccessToken) == "" {
			return nil
		}

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		if user, err := c.UserInfo(cmd.Context()); err != nil {
			return err
		} else {
			cmd.Printf("connected to %s as %s\n", c.Endpoint(), user.UserName)
			return nil
		}
	},
}
