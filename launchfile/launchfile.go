package launchfile

import (
	"fmt"
	"regexp"

	"github.com/gammadia/towerlaunch/tower"
)

const LaunchfileVersion = "1"

// Launchfile is an evaluated launch template: one pipeline launch for one dataset.
type Launchfile struct {
	Version string `yaml:"version"`
	Name    string `yaml:"name"`
	// Compute environment ID or name filter, used when none is given on the command line
	ComputeEnv string `yaml:"computeEnv,omitempty"`

	tower.LaunchInfo `yaml:",inline"`
}

var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]+$`)
var runNameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,80}$`)
var secretRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (launchfile Launchfile) Validate() error {
	if launchfile.Version != LaunchfileVersion {
		return fmt.Errorf("unsupported version '%s'", launchfile.Version)
	}

	if !nameRegex.MatchString(launchfile.Name) {
		return fmt.Errorf("name must be a valid identifier")
	}

	if launchfile.Pipeline == "" {
		return fmt.Errorf("pipeline is required")
	}

	if launchfile.RunName == "" {
		return fmt.Errorf("runName is required")
	}
	if !runNameRegex.MatchString(launchfile.RunName) {
		return fmt.Errorf("runName '%s' must be 1 to 80 letters, digits, '_' or '-'", launchfile.RunName)
	}

	for _, secret := range launchfile.WorkspaceSecrets {
		if !secretRegex.MatchString(secret) {
			return fmt.Errorf("workspaceSecrets[%s] must be a valid secret identifier", secret)
		}
	}
	for _, secret := range launchfile.UserSecrets {
		if !secretRegex.MatchString(secret) {
			return fmt.Errorf("userSecrets[%s] must be a valid secret identifier", secret)
		}
	}

	for i, label := range launchfile.Labels {
		if label == "" {
			return fmt.Errorf("labels[%d] must not be empty", i)
		}
	}

	return nil
}
