package tower

import (
	"context"
	"fmt"
	"net/url"
)

// ResolveLabels returns the IDs of the named labels, creating those that do not exist yet.
func (c *Client) ResolveLabels(ctx context.Context, names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		id, err := c.resolveLabel(ctx, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Client) resolveLabel(ctx context.Context, name string) (int64, error) {
	key := "label/" + c.workspaceID + "/" + name
	if cached, ok := c.cache.Get(key); ok {
		return cached.(int64), nil
	}

	query := url.Values{}
	query.Set("search", name)
	query.Set("max", "100")

	var resp struct {
		Labels []Label `json:"labels"`
	}
	if err := c.get(ctx, "/labels", query, &resp); err != nil {
		return 0, fmt.Errorf("search label '%s': %w", name, err)
	}

	for _, label := range resp.Labels {
		if label.Name == name && !label.Resource {
			c.cache.SetDefault(key, label.ID)
			return label.ID, nil
		}
	}

	var created Label
	if err := c.post(ctx, "/labels", map[string]any{"name": name, "resource": false}, &created); err != nil {
		return 0, fmt.Errorf("create label '%s': %w", name, err)
	}

	c.cache.SetDefault(key, created.ID)
	return created.ID, nil
}
