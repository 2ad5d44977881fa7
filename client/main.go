package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/gammadia/towerlaunch/flags"
	"github.com/gammadia/towerlaunch/internal/retry"
	"github.com/gammadia/towerlaunch/log"
	"github.com/gammadia/towerlaunch/sshtunnel"
	"github.com/gammadia/towerlaunch/tower"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var verbose bool

// client is created on first use by commands talking to Tower
var client *tower.Client

var towerlaunchCmd = &cobra.Command{
	Use:   "towerlaunch",
	Short: "Towerlaunch launches and monitors Nextflow Tower pipeline runs, one chain per dataset.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := flags.Bind(cmd.Root().PersistentFlags()); err != nil {
			return err
		}
		verbose = viper.GetBool(flags.Verbose)
		return log.Init()
	},
}

// connect returns the Tower client, creating it from the configuration on the first call.
func connect(cmd *cobra.Command) (_ *tower.Client, err error) {
	if client != nil {
		return client, nil
	}

	defer func() {
		if err != nil {
			err = fmt.Errorf("failed to connect to Tower: %w", err)
		}
	}()

	httpClient := &http.Client{Timeout: viper.GetDuration(flags.HttpTimeout)}
	if target := viper.GetString(flags.SshTunnel); target != "" {
		dial, err := sshtunnel.Dialer(target, viper.GetString(flags.SshKnownHosts))
		if err != nil {
			return nil, fmt.Errorf("ssh tunnel: %w", err)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = dial
		httpClient.Transport = transport
	}

	policy := retry.Default
	policy.MaxAttempts = max(1, viper.GetInt(flags.HttpRetries))

	c, err := tower.NewClient(tower.Options{
		Endpoint:    viper.GetString(flags.ApiEndpoint),
		AccessToken: viper.GetString(flags.AccessToken),
		HTTPClient:  httpClient,
		Retry:       policy,
	})
	if err != nil {
		return nil, err
	}

	if ref := viper.GetString(flags.Workspace); ref != "" {
		id, err := c.ResolveWorkspace(cmd.Context(), ref)
		if err != nil {
			return nil, err
		}
		c.SetWorkspaceID(id)
	}

	log.Debug("Connected to Tower", "endpoint", c.Endpoint(), "workspace", c.WorkspaceID())
	client = c
	return client, nil
}

func init() {
	towerlaunchCmd.AddCommand(cancelCmd)
	towerlaunchCmd.AddCommand(completionCmd)
	towerlaunchCmd.AddCommand(computeEnvsCmd)
	towerlaunchCmd.AddCommand(historyCmd)
	towerlaunchCmd.AddCommand(logsCmd)
	towerlaunchCmd.AddCommand(psCmd)
	towerlaunchCmd.AddCommand(runCmd)
	towerlaunchCmd.AddCommand(showCmd)
	towerlaunchCmd.AddCommand(topCmd)
	towerlaunchCmd.AddCommand(versionCmd)
	towerlaunchCmd.AddCommand(watchCmd)

	flags.Register(towerlaunchCmd.PersistentFlags())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	towerlaunchCmd.SetOut(os.Stdout)
	if err := towerlaunchCmd.ExecuteContext(ctx); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
