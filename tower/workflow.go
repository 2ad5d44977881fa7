package tower

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

type Workflow struct {
	ID           string     `json:"id"`
	RunName      string     `json:"runName"`
	Status       Status     `json:"status"`
	ProjectName  string     `json:"projectName"`
	Revision     string     `json:"revision,omitempty"`
	CommitID     string     `json:"commitId,omitempty"`
	WorkDir      string     `json:"workDir,omitempty"`
	UserName     string     `json:"userName,omitempty"`
	CommandLine  string     `json:"commandLine,omitempty"`
	Submit       *time.Time `json:"submit,omitempty"`
	Start        *time.Time `json:"start,omitempty"`
	Complete     *time.Time `json:"complete,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ExitStatus   *int       `json:"exitStatus,omitempty"`
}

// Duration is how long the run has been going on (or went on, once complete).
func (w *Workflow) Duration(now time.Time) time.Duration {
	start := w.Start
	if start == nil {
		start = w.Submit
	}
	if start == nil {
		return 0
	}
	if w.Complete != nil {
		return w.Complete.Sub(*start)
	}
	return now.Sub(*start)
}

// Progress counts the tasks of a run by state.
type Progress struct {
	Submitted int `json:"submitted"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cached    int `json:"cached"`
}

func (p Progress) Total() int {
	return p.Submitted + p.Pending + p.Running + p.Succeeded + p.Failed + p.Cached
}

type Label struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Value    string `json:"value,omitempty"`
	Resource bool   `json:"resource"`
}

// WorkflowDetails is a workflow together with its task progress and labels.
type WorkflowDetails struct {
	Workflow `json:"workflow"`
	Progress Progress `json:"progress"`
	Labels   []Label  `json:"labels"`
}

type workflowEnvelope struct {
	Workflow Workflow `json:"workflow"`
	Progress struct {
		WorkflowProgress Progress `json:"workflowProgress"`
	} `json:"progress"`
	Labels []Label `json:"labels"`
}

func (e workflowEnvelope) details() *WorkflowDetails {
	e.Workflow.Status = ParseStatus(string(e.Workflow.Status))
	return &WorkflowDetails{
		Workflow: e.Workflow,
		Progress: e.Progress.WorkflowProgress,
		Labels:   e.Labels,
	}
}

// GetWorkflow describes a single workflow run.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*WorkflowDetails, error) {
	var resp workflowEnvelope
	if err := c.get(ctx, "/workflow/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, fmt.Errorf("get workflow '%s': %w", id, err)
	}
	return resp.details(), nil
}

// GetWorkflowStatus returns the current status of a run and whether that status is final.
func (c *Client) GetWorkflowStatus(ctx context.Context, id string) (Status, bool, error) {
	workflow, err := c.GetWorkflow(ctx, id)
	if err != nil {
		return StatusUnknown, false, err
	}
	return workflow.Status, workflow.Status.IsDone(), nil
}

type ListOptions struct {
	// Free text search (run name, project name, ...)
	Search string
	Max    int
	Offset int
}

// ListWorkflows lists runs of the workspace, most recent first.
func (c *Client) ListWorkflows(ctx context.Context, options ListOptions) ([]*WorkflowDetails, int, error) {
	query := url.Values{}
	if options.Search != "" {
		query.Set("search", options.Search)
	}
	if options.Max > 0 {
		query.Set("max", strconv.Itoa(options.Max))
	}
	if options.Offset > 0 {
		query.Set("offset", strconv.Itoa(options.Offset))
	}

	var resp struct {
		Workflows []workflowEnvelope `json:"workflows"`
		TotalSize int                `json:"totalSize"`
	}
	if err := c.get(ctx, "/workflow", query, &resp); err != nil {
		return nil, 0, fmt.Errorf("list workflows: %w", err)
	}

	workflows := make([]*WorkflowDetails, 0, len(resp.Workflows))
	for _, w := range resp.Workflows {
		workflows = append(workflows, w.details())
	}
	return workflows, resp.TotalSize, nil
}

// FindWorkflowsByRunName returns the runs whose name is exactly runName, most recent first.
func (c *Client) FindWorkflowsByRunName(ctx context.Context, runName string) ([]*WorkflowDetails, error) {
	workflows, _, err := c.ListWorkflows(ctx, ListOptions{Search: runName, Max: 50})
	if err != nil {
		return nil, err
	}

	var matches []*WorkflowDetails
	for _, w := range workflows {
		if w.RunName == runName {
			matches = append(matches, w)
		}
	}
	return matches, nil
}

// CancelWorkflow requests the cancellation of a run. Cancelling a finished run is an API error.
func (c *Client) CancelWorkflow(ctx context.Context, id string) error {
	if err := c.post(ctx, "/workflow/"+url.PathEscape(id)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("cancel workflow '%s': %w", id, err)
	}
	return nil
}
