package tower

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gammadia/towerlaunch/log"
)

// LaunchInfo describes a pipeline launch. Params and Labels are resolved into ParamsText and
// LabelIDs by LaunchWorkflow; the other fields map one to one onto Tower's launch request.
type LaunchInfo struct {
	ComputeEnvID     string         `json:"computeEnvId,omitempty" yaml:"computeEnvId,omitempty"`
	RunName          string         `json:"runName,omitempty" yaml:"runName,omitempty"`
	Pipeline         string         `json:"pipeline" yaml:"pipeline"`
	Revision         string         `json:"revision,omitempty" yaml:"revision,omitempty"`
	Profiles         []string       `json:"configProfiles,omitempty" yaml:"profiles,omitempty"`
	WorkDir          string         `json:"workDir,omitempty" yaml:"workDir,omitempty"`
	Params           map[string]any `json:"-" yaml:"params,omitempty"`
	ParamsText       string         `json:"paramsText,omitempty" yaml:"-"`
	NextflowConfig   string         `json:"configText,omitempty" yaml:"nextflowConfig,omitempty"`
	PreRunScript     string         `json:"preRunScript,omitempty" yaml:"preRunScript,omitempty"`
	PostRunScript    string         `json:"postRunScript,omitempty" yaml:"postRunScript,omitempty"`
	WorkspaceSecrets []string       `json:"workspaceSecrets,omitempty" yaml:"workspaceSecrets,omitempty"`
	UserSecrets      []string       `json:"userSecrets,omitempty" yaml:"userSecrets,omitempty"`
	Labels           []string       `json:"-" yaml:"labels,omitempty"`
	LabelIDs         []int64        `json:"labelIds,omitempty" yaml:"-"`
	MainScript       string         `json:"mainScript,omitempty" yaml:"mainScript,omitempty"`
	EntryName        string         `json:"entryName,omitempty" yaml:"entryName,omitempty"`
	PullLatest       bool           `json:"pullLatest,omitempty" yaml:"pullLatest,omitempty"`
	StubRun          bool           `json:"stubRun,omitempty" yaml:"stubRun,omitempty"`
	Resume           bool           `json:"resume,omitempty" yaml:"resume,omitempty"`
}

type LaunchOptions struct {
	// Compute environment ID or name filter, used when LaunchInfo.ComputeEnvID is empty
	ComputeEnv string
	// Launch even if a run with the same name already exists
	IgnorePreviousRuns bool
}

type LaunchResult struct {
	WorkflowID string
	// Reused is true when an existing run with the same name was returned instead of launching a new one
	Reused bool
}

// LaunchWorkflow launches a pipeline run and returns its workflow ID.
//
// Unless IgnorePreviousRuns is set, a previous run with the same run name that is still
// going or has succeeded is returned instead, so that re-running a batch does not
// duplicate work. Failed, cancelled and unknown runs are relaunched.
func (c *Client) LaunchWorkflow(ctx context.Context, info LaunchInfo, options LaunchOptions) (*LaunchResult, error) {
	if info.Pipeline == "" {
		return nil, fmt.Errorf("launch: pipeline is required")
	}

	if !options.IgnorePreviousRuns && info.RunName != "" {
		previous, err := c.FindWorkflowsByRunName(ctx, info.RunName)
		if err != nil {
			return nil, fmt.Errorf("launch: look up previous runs: %w", err)
		}
		for _, w := range previous {
			if w.Status.IsSuccess() || !w.Status.IsDone() {
				log.InfoContext(ctx, "Reusing previous run", "run", w.ID, "runName", w.RunName, "status", w.Status)
				return &LaunchResult{WorkflowID: w.ID, Reused: true}, nil
			}
		}
	}

	if err := c.completeLaunchInfo(ctx, &info, options.ComputeEnv); err != nil {
		return nil, fmt.Errorf("launch: %w", err)
	}

	var resp struct {
		WorkflowID string `json:"workflowId"`
	}
	if err := c.post(ctx, "/workflow/launch", map[string]any{"launch": info}, &resp); err != nil {
		return nil, fmt.Errorf("launch '%s': %w", info.RunName, err)
	}
	if resp.WorkflowID == "" {
		return nil, fmt.Errorf("launch '%s': empty workflow ID in response", info.RunName)
	}

	log.InfoContext(ctx, "Launched workflow", "run", resp.WorkflowID, "runName", info.RunName, "pipeline", info.Pipeline)
	return &LaunchResult{WorkflowID: resp.WorkflowID}, nil
}

// completeLaunchInfo fills what Tower needs but templates usually leave out: the compute environment
// and its defaults, the serialized params, and the label IDs.
func (c *Client) completeLaunchInfo(ctx context.Context, info *LaunchInfo, computeEnv string) error {
	var env *ComputeEnv
	var err error
	switch {
	case info.ComputeEnvID != "":
		env, err = c.GetComputeEnv(ctx, info.ComputeEnvID)
	case computeEnv != "":
		env, err = c.FindComputeEnv(ctx, computeEnv)
	default:
		return fmt.Errorf("no compute environment given")
	}
	if err != nil {
		return err
	}

	info.ComputeEnvID = env.ID
	if info.WorkDir == "" {
		info.WorkDir = env.WorkDir
	}
	if info.PreRunScript == "" {
		info.PreRunScript = env.PreRunScript
	}
	if info.PostRunScript == "" {
		info.PostRunScript = env.PostRunScript
	}

	if info.ParamsText == "" && len(info.Params) > 0 {
		if info.ParamsText, err = ParamsText(info.Params); err != nil {
			return err
		}
	}

	if len(info.Labels) > 0 {
		if info.LabelIDs, err = c.ResolveLabels(ctx, info.Labels); err != nil {
			return err
		}
	}
	return nil
}

// ParamsText serializes pipeline params the way Tower expects them in a launch request.
func ParamsText(params map[string]any) (string, error) {
	buf, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialize params: %w", err)
	}
	return string(buf), nil
}
