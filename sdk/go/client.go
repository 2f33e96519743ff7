package windsitesdk

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
)

// Client is a minimal Windsite HTTP API client.
type Client struct {
	BaseURL     string
	Owner       string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// AnalyzeContext carries structured hints alongside a query.
type AnalyzeContext struct {
	ProjectID   string         `json:"project_id,omitempty"`
	ProjectName string         `json:"project_name,omitempty"`
	Stage       string         `json:"stage,omitempty"`
	Latitude    *float64       `json:"latitude,omitempty"`
	Longitude   *float64       `json:"longitude,omitempty"`
	RadiusKm    *float64       `json:"radius_km,omitempty"`
	Hints       map[string]any `json:"hints,omitempty"`
}

// Artifact is one named result payload.
type Artifact struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ThoughtStep is one entry in the orchestration trace.
type ThoughtStep struct {
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
}

// AnalyzeResult is the response to an analyze call.
type AnalyzeResult struct {
	Success      bool          `json:"success"`
	Message      string        `json:"message"`
	Artifacts    []Artifact    `json:"artifacts"`
	ThoughtSteps []ThoughtStep `json:"thought_steps"`
	Metadata     struct {
		ExecutionTimeMs int64    `json:"execution_time_ms"`
		ToolsUsed       []string `json:"tools_used"`
		ProjectName     string   `json:"project_name"`
	} `json:"metadata"`
}

// Project represents the API project model.
type Project struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Owner       string            `json:"owner"`
	StageStatus map[string]string `json:"stage_status"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

// StageCheck is one row in the project checklist.
type StageCheck struct {
	Stage  string `json:"stage"`
	Status string `json:"status"`
}

// ProjectStatus is the stage checklist for a project.
type ProjectStatus struct {
	ProjectID string       `json:"project_id"`
	Name      string       `json:"name"`
	Stages    []StageCheck `json:"stages"`
	NextStage string       `json:"next_stage,omitempty"`
	Complete  bool         `json:"pipeline_complete"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Analyze submits a query and returns the orchestration result.
func (c *Client) Analyze(ctx context.Context, query string, reqCtx *AnalyzeContext) (AnalyzeResult, error) {
	body := map[string]any{"query": query}
	if reqCtx != nil {
		body["context"] = reqCtx
	}
	var resp AnalyzeResult
	err := c.do(ctx, http.MethodPost, "v0/analyze", body, &resp)
	return resp, err
}

// Projects lists the caller's projects.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Items []Project `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp.Items, err
}

// Project fetches one project by id.
func (c *Client) Project(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/projects/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Status returns the stage checklist for a project.
func (c *Client) Status(ctx context.Context, id string) (ProjectStatus, error) {
	var resp ProjectStatus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/projects/%s/status", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Events returns recent events for a project.
func (c *Client) Events(ctx context.Context, id string, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/projects/%s/events", url.PathEscape(id))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Owner != "":
		req.Header.Set("X-Owner-Id", c.Owner)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
