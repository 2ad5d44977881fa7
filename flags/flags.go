package flags

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	ApiEndpoint   = "api-endpoint"
	AccessToken   = "access-token"
	Workspace     = "workspace"
	Config        = "config"
	LogFormat     = "log-format"
	LogLevel      = "log-level"
	LogSource     = "log-source"
	Verbose       = "verbose"
	HttpTimeout   = "http-timeout"
	HttpRetries   = "http-retries"
	SshTunnel     = "ssh-tunnel"
	SshKnownHosts = "ssh-known-hosts"
	StateDb       = "state-db"
)

const EnvPrefix = "tower"

const DefaultApiEndpoint = "https://api.tower.nf"

// Register declares the global flags on the given set. Values are read back through viper once Bind has been called.
func Register(flags *flag.FlagSet) {
	home, _ := os.UserHomeDir()

	// Tower
	flags.String(ApiEndpoint, DefaultApiEndpoint, "Tower API endpoint")
	flags.String(AccessToken, "", "Tower personal access token")
	flags.StringP(Workspace, "w", "", "Tower workspace (numeric ID or 'org/workspace')")

	// Transport
	flags.Duration(HttpTimeout, 30*time.Second, "timeout of a single API request")
	flags.Int(HttpRetries, 4, "attempts for retryable API requests")
	flags.String(SshTunnel, "", "reach the API through an SSH bastion ('user@host[:port]')")
	flags.String(SshKnownHosts, "", "known_hosts file used to verify the SSH bastion")

	// Client
	flags.String(Config, "", "config file (default $HOME/.towerlaunch.yaml)")
	flags.String(StateDb, filepath.Join(home, ".towerlaunch", "state.db"), "local run ledger")
	flags.String(LogFormat, "text", "log format (json, text)")
	flags.String(LogLevel, "WARN", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.BoolP(Verbose, "v", false, "verbose output")
}

// Bind wires the flag set into viper: flags win over TOWER_* environment variables, which win over the config file.
func Bind(flags *flag.FlagSet) error {
	viper.SetEnvPrefix(EnvPrefix)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
	// tw, the official Tower CLI, reads TOWER_WORKSPACE_ID
	lo.Must0(viper.BindEnv(Workspace, "TOWER_WORKSPACE", "TOWER_WORKSPACE_ID"))

	if file := viper.GetString(Config); file != "" {
		viper.SetConfigFile(file)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".towerlaunch")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}
