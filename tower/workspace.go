package tower

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type User struct {
	ID       int64  `json:"id"`
	UserName string `json:"userName"`
	Email    string `json:"email"`
}

type Workspace struct {
	OrgID         int64  `json:"orgId"`
	OrgName       string `json:"orgName"`
	WorkspaceID   *int64 `json:"workspaceId"`
	WorkspaceName string `json:"workspaceName"`
}

// Ref is the 'org/workspace' form accepted on the command line.
func (w Workspace) Ref() string {
	return w.OrgName + "/" + w.WorkspaceName
}

func (c *Client) UserInfo(ctx context.Context) (*User, error) {
	if cached, ok := c.cache.Get("user-info"); ok {
		return cached.(*User), nil
	}

	var resp struct {
		User User `json:"user"`
	}
	if err := c.get(ctx, "/user-info", nil, &resp); err != nil {
		return nil, fmt.Errorf("get user info: %w", err)
	}

	c.cache.SetDefault("user-info", &resp.User)
	return &resp.User, nil
}

// ListWorkspaces lists the workspaces the user belongs to. Organization entries without a workspace are skipped.
func (c *Client) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	user, err := c.UserInfo(ctx)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrgsAndWorkspaces []Workspace `json:"orgsAndWorkspaces"`
	}
	if err := c.get(ctx, fmt.Sprintf("/user/%d/workspaces", user.ID), nil, &resp); err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}

	var workspaces []Workspace
	for _, w := range resp.OrgsAndWorkspaces {
		if w.WorkspaceID != nil {
			workspaces = append(workspaces, w)
		}
	}
	return workspaces, nil
}

// ResolveWorkspace turns a workspace reference (numeric ID or 'org/workspace') into a workspace ID.
// An empty reference designates the personal workspace and resolves to an empty ID.
func (c *Client) ResolveWorkspace(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	if _, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return ref, nil
	}

	org, name, ok := strings.Cut(ref, "/")
	if !ok {
		return "", fmt.Errorf("invalid workspace '%s', expected a numeric ID or 'org/workspace'", ref)
	}

	key := "workspace/" + ref
	if cached, ok := c.cache.Get(key); ok {
		return cached.(string), nil
	}

	workspaces, err := c.ListWorkspaces(ctx)
	if err != nil {
		return "", err
	}
	for _, w := range workspaces {
		if strings.EqualFold(w.OrgName, org) && strings.EqualFold(w.WorkspaceName, name) {
			id := strconv.FormatInt(*w.WorkspaceID, 10)
			c.cache.SetDefault(key, id)
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: '%s'", ErrNoWorkspace, ref)
}
