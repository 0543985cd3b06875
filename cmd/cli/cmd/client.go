package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"clinicflow/pkg/api"
)

// Client handles API calls to the clinicflow controller.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new client with the given base URL and token.
// The token is optional; it is sent as a bearer token when set.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// do sends body (if non-nil) as JSON and decodes a 2xx response into out
// (if non-nil).
func (c *Client) do(method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Add("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(bytes.TrimSpace(respBody))
		var e api.ErrorResponse
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// CreateTemplate sends POST /templates to create a draft.
func (c *Client) CreateTemplate(req api.CreateTemplateRequest) (*api.CreateTemplateResponse, error) {
	var result api.CreateTemplateResponse
	if err := c.do(http.MethodPost, "/templates", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PublishTemplate sends POST /templates/{id}/publish and returns the version.
func (c *Client) PublishTemplate(id string) (int, error) {
	var result api.PublishTemplateResponse
	if err := c.do(http.MethodPost, "/templates/"+url.PathEscape(id)+"/publish", nil, nil, &result); err != nil {
		return 0, err
	}
	return result.Version, nil
}

// GetTemplate sends GET /templates/{id}.
func (c *Client) GetTemplate(id string) (*api.TemplateResponse, error) {
	var result api.TemplateResponse
	if err := c.do(http.MethodGet, "/templates/"+url.PathEscape(id), nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeactivateTemplate sends POST /templates/{id}/deactivate.
func (c *Client) DeactivateTemplate(id string) error {
	return c.do(http.MethodPost, "/templates/"+url.PathEscape(id)+"/deactivate", nil, nil, nil)
}

// Trigger sends POST /triggers.
func (c *Client) Trigger(req api.TriggerRequest) (*api.TriggerResponse, error) {
	var result api.TriggerResponse
	if err := c.do(http.MethodPost, "/triggers", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetExecution sends GET /executions/{id}.
func (c *Client) GetExecution(id string) (*api.ExecutionResponse, error) {
	var result api.ExecutionResponse
	if err := c.do(http.MethodGet, "/executions/"+url.PathEscape(id), nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetExecutionLog sends GET /executions/{id}/log.
func (c *Client) GetExecutionLog(id string) ([]api.LogEntry, error) {
	var result api.ExecutionLogResponse
	if err := c.do(http.MethodGet, "/executions/"+url.PathEscape(id)+"/log", nil, nil, &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// OperateExecution sends POST /executions/{id}/{action} for resume, pause
// and cancel.
func (c *Client) OperateExecution(id, action string) (*api.ExecutionResponse, error) {
	var result api.ExecutionResponse
	if err := c.do(http.MethodPost, "/executions/"+url.PathEscape(id)+"/"+action, nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SignalExecution sends POST /executions/{id}/signal.
func (c *Client) SignalExecution(id string, req api.SignalRequest) (*api.ExecutionResponse, error) {
	var result api.ExecutionResponse
	if err := c.do(http.MethodPost, "/executions/"+url.PathEscape(id)+"/signal", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListDeadLetter sends GET /executions/dead-letter.
func (c *Client) ListDeadLetter(limit, offset int) ([]api.ExecutionResponse, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("offset", fmt.Sprint(offset))
	var result api.ExecutionListResponse
	if err := c.do(http.MethodGet, "/executions/dead-letter", q, nil, &result); err != nil {
		return nil, err
	}
	return result.Executions, nil
}

// SubmitJob sends POST /jobs.
func (c *Client) SubmitJob(req api.SubmitJobRequest) (string, error) {
	var result api.SubmitJobResponse
	if err := c.do(http.MethodPost, "/jobs", nil, req, &result); err != nil {
		return "", err
	}
	return result.JobID, nil
}

// GetJob sends GET /jobs/{id}.
func (c *Client) GetJob(id string) (*api.JobResponse, error) {
	var result api.JobResponse
	if err := c.do(http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelJob sends POST /jobs/{id}/cancel.
func (c *Client) CancelJob(id string) (*api.JobResponse, error) {
	var result api.JobResponse
	if err := c.do(http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
