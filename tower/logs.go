package tower

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

type LogDownload struct {
	SaveName    string `json:"saveName"`
	FileName    string `json:"fileName"`
	DisplayText string `json:"displayText"`
}

// LogPage is the tail of a run's head job log.
type LogPage struct {
	Entries   []string      `json:"entries"`
	Truncated bool          `json:"truncated"`
	Pending   bool          `json:"pending"`
	Message   string        `json:"message"`
	Downloads []LogDownload `json:"downloads"`
}

func (c *Client) GetWorkflowLog(ctx context.Context, id string) (*LogPage, error) {
	var resp struct {
		Log LogPage `json:"log"`
	}
	if err := c.get(ctx, "/workflow/"+url.PathEscape(id)+"/log", nil, &resp); err != nil {
		return nil, fmt.Errorf("get log of workflow '%s': %w", id, err)
	}
	return &resp.Log, nil
}

// DownloadWorkflowFile streams one of the files listed in LogPage.Downloads (e.g. the full nextflow.log) into w.
func (c *Client) DownloadWorkflowFile(ctx context.Context, id string, fileName string, w io.Writer) error {
	query := url.Values{}
	query.Set("fileName", fileName)

	// single attempt, a retry would append a second copy to w
	req := request{method: http.MethodGet, path: "/workflow/" + url.PathEscape(id) + "/download", query: query, once: true}
	if err := c.do(ctx, req, w); err != nil {
		return fmt.Errorf("download '%s' of workflow '%s': %w", fileName, id, err)
	}
	return nil
}
