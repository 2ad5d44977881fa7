package tower

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gammadia/towerlaunch/internal/retry"
	"github.com/gammadia/towerlaunch/log"
	"github.com/patrickmn/go-cache"
)

// DefaultEndpoint is the hosted Tower API.
const DefaultEndpoint = "https://api.tower.nf"

type Options struct {
	// Tower API endpoint, without trailing slash
	Endpoint string
	// Personal access token, sent as a bearer token
	AccessToken string
	// Numeric workspace ID; empty means the user's personal workspace
	WorkspaceID string
	// HTTP client to use, e.g. one dialing through an SSH tunnel
	HTTPClient *http.Client
	// Retry policy for idempotent requests; Retryable is overridden with IsRetryable
	Retry retry.Policy
}

// Client talks to the Tower REST API. It is safe for concurrent use.
type Client struct {
	endpoint    string
	accessToken string
	workspaceID string
	httpClient  *http.Client
	retry       retry.Policy

	// lookups (compute envs, workspaces, labels) rarely change during a run
	cache *cache.Cache
}

func NewClient(options Options) (*Client, error) {
	if options.AccessToken == "" {
		return nil, fmt.Errorf("missing Tower access token")
	}

	endpoint := strings.TrimRight(options.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint '%s': %w", endpoint, err)
	}

	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	policy := options.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.Default
	}
	policy.Retryable = IsRetryable

	return &Client{
		endpoint:    endpoint,
		accessToken: options.AccessToken,
		workspaceID: options.WorkspaceID,
		httpClient:  httpClient,
		retry:       policy,
		cache:       cache.New(10*time.Minute, 20*time.Minute),
	}, nil
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) WorkspaceID() string {
	return c.workspaceID
}

// SetWorkspaceID changes the workspace targeted by subsequent requests.
func (c *Client) SetWorkspaceID(id string) {
	c.workspaceID = id
}

// --- HTTP helpers ---

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	// no retry for requests with side effects, a retried launch could start the pipeline twice
	once bool
}

func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	return c.do(ctx, request{method: http.MethodGet, path: path, query: query}, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	return c.do(ctx, request{method: http.MethodPost, path: path, body: body, once: true}, result)
}

func (c *Client) do(ctx context.Context, req request, result any) error {
	var payload []byte
	if req.body != nil {
		var err error
		if payload, err = json.Marshal(req.body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	policy := c.retry
	if req.once {
		policy.MaxAttempts = 1
	}

	return policy.Do(ctx, func() error {
		return c.roundTrip(ctx, req, payload, result)
	})
}

func (c *Client) roundTrip(ctx context.Context, req request, payload []byte, result any) error {
	httpReq, err := c.newRequest(ctx, req, payload)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.DebugContext(ctx, "Tower request failed", "method", req.method, "path", req.path, "error", err)
		return &TransportError{err}
	}
	defer resp.Body.Close()

	log.DebugContext(ctx, "Tower request", "method", req.method, "path", req.path, "status", resp.StatusCode, "latency", time.Since(start))

	if err := checkError(resp); err != nil {
		return err
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	switch out := result.(type) {
	case *[]byte:
		*out, err = io.ReadAll(resp.Body)
		return err
	case io.Writer:
		_, err = io.Copy(out, resp.Body)
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, req request, payload []byte) (*http.Request, error) {
	query := url.Values{}
	for k, v := range req.query {
		query[k] = v
	}
	if c.workspaceID != "" && !query.Has("workspaceId") {
		query.Set("workspaceId", c.workspaceID)
	}

	target := c.endpoint + req.path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

func checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var body struct {
		Message string `json:"message"`
	}
	message := strings.TrimSpace(string(slurp))
	if json.Unmarshal(slurp, &body) == nil && body.Message != "" {
		message = body.Message
	}

	return &APIError{StatusCode: resp.StatusCode, Message: message}
}
