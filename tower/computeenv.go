package tower

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

const ComputeEnvAvailable = "AVAILABLE"

type ComputeEnv struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Platform      string     `json:"platform"`
	Status        string     `json:"status"`
	Primary       bool       `json:"primary"`
	WorkDir       string     `json:"workDir,omitempty"`
	LastUsed      *time.Time `json:"lastUsed,omitempty"`
	DateCreated   *time.Time `json:"dateCreated,omitempty"`
	PreRunScript  string     `json:"preRunScript,omitempty"`
	PostRunScript string     `json:"postRunScript,omitempty"`
}

// ListComputeEnvs lists the compute environments of the workspace, optionally filtered by status.
func (c *Client) ListComputeEnvs(ctx context.Context, status string) ([]ComputeEnv, error) {
	key := "compute-envs/" + c.workspaceID + "/" + status
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]ComputeEnv), nil
	}

	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}

	var resp struct {
		ComputeEnvs []ComputeEnv `json:"computeEnvs"`
	}
	if err := c.get(ctx, "/compute-envs", query, &resp); err != nil {
		return nil, fmt.Errorf("list compute environments: %w", err)
	}

	c.cache.SetDefault(key, resp.ComputeEnvs)
	return resp.ComputeEnvs, nil
}

// GetComputeEnv describes a compute environment, including its work dir and pre/post-run scripts.
func (c *Client) GetComputeEnv(ctx context.Context, id string) (*ComputeEnv, error) {
	key := "compute-env/" + c.workspaceID + "/" + id
	if cached, ok := c.cache.Get(key); ok {
		return cached.(*ComputeEnv), nil
	}

	var resp struct {
		ComputeEnv struct {
			ComputeEnv
			Config struct {
				WorkDir       string `json:"workDir"`
				PreRunScript  string `json:"preRunScript"`
				PostRunScript string `json:"postRunScript"`
			} `json:"config"`
		} `json:"computeEnv"`
	}
	if err := c.get(ctx, "/compute-envs/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, fmt.Errorf("get compute environment '%s': %w", id, err)
	}

	env := resp.ComputeEnv.ComputeEnv
	env.WorkDir, _ = lo.Coalesce(resp.ComputeEnv.Config.WorkDir, env.WorkDir)
	env.PreRunScript = resp.ComputeEnv.Config.PreRunScript
	env.PostRunScript = resp.ComputeEnv.Config.PostRunScript

	c.cache.SetDefault(key, &env)
	return &env, nil
}

// FindComputeEnv picks the available compute environment matching filter, which is either an ID
// or a case-insensitive part of the name. An exact name match wins, then the primary environment,
// then the newest one, then the most recently used one.
func (c *Client) FindComputeEnv(ctx context.Context, filter string) (*ComputeEnv, error) {
	envs, err := c.ListComputeEnvs(ctx, ComputeEnvAvailable)
	if err != nil {
		return nil, err
	}

	selected, err := selectComputeEnv(envs, filter)
	if err != nil {
		return nil, err
	}
	return c.GetComputeEnv(ctx, selected.ID)
}

func selectComputeEnv(envs []ComputeEnv, filter string) (*ComputeEnv, error) {
	if env, ok := lo.Find(envs, func(env ComputeEnv) bool { return env.ID == filter }); ok {
		return &env, nil
	}

	needle := strings.ToLower(filter)
	candidates := lo.Filter(envs, func(env ComputeEnv, _ int) bool {
		return strings.Contains(strings.ToLower(env.Name), needle)
	})

	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("%w: '%s'", ErrNoComputeEnv, filter)
	case 1:
		return &candidates[0], nil
	}

	if exact := lo.Filter(candidates, func(env ComputeEnv, _ int) bool { return strings.EqualFold(env.Name, filter) }); len(exact) == 1 {
		return &exact[0], nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Primary != b.Primary {
			return a.Primary
		}
		if !timeOf(a.DateCreated).Equal(timeOf(b.DateCreated)) {
			return timeOf(a.DateCreated).After(timeOf(b.DateCreated))
		}
		return timeOf(a.LastUsed).After(timeOf(b.LastUsed))
	})

	first, second := candidates[0], candidates[1]
	if first.Primary == second.Primary &&
		timeOf(first.DateCreated).Equal(timeOf(second.DateCreated)) &&
		timeOf(first.LastUsed).Equal(timeOf(second.LastUsed)) {
		names := lo.Map(candidates, func(env ComputeEnv, _ int) string { return env.Name })
		return nil, fmt.Errorf("%w: '%s' matches %s", ErrAmbiguousComputeEnv, filter, strings.Join(names, ", "))
	}
	return &first, nil
}

func timeOf(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
