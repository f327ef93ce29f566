package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"extractplane/pkg/api"
)

// Client handles API calls to the extractplane controller.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new client with the given base URL and token.
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

// do sends a request and decodes a 2xx JSON response into out.
func (c *Client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage renders the API error envelope, falling back to the raw body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return string(body)
	}
	if e.Details != "" {
		return e.Error + ": " + e.Details
	}
	return e.Error
}

// EnqueueJob sends POST /jobs.
func (c *Client) EnqueueJob(req api.EnqueueJobRequest) (*api.EnqueueJobResponse, error) {
	var result api.EnqueueJobResponse
	if err := c.do(http.MethodPost, "/jobs", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetJob sends GET /jobs/{id}.
func (c *Client) GetJob(jobID string) (*api.JobResponse, error) {
	var result api.JobResponse
	if err := c.do(http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListJobs sends GET /jobs with an optional status filter.
func (c *Client) ListJobs(status string, limit, offset int) ([]api.JobResponse, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var result api.ListJobsResponse
	if err := c.do(http.MethodGet, "/jobs?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// RetryJob sends POST /jobs/{id}/retry.
func (c *Client) RetryJob(jobID string) (*api.JobResponse, error) {
	var result api.JobResponse
	if err := c.do(http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/retry", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Preview sends POST /preview with the given action.
func (c *Client) Preview(componentID, action string) (*api.PreviewResponse, error) {
	var result api.PreviewResponse
	req := api.PreviewRequest{ComponentID: componentID, Action: action}
	if err := c.do(http.MethodPost, "/preview", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListPreviews sends GET /preview.
func (c *Client) ListPreviews() ([]api.PreviewInfo, error) {
	var result api.ListPreviewsResponse
	if err := c.do(http.MethodGet, "/preview", nil, &result); err != nil {
		return nil, err
	}
	return result.Previews, nil
}

// Review sends POST /review.
func (c *Client) Review(req api.ReviewRequest) (*api.CodeExampleResponse, error) {
	var result api.CodeExampleResponse
	if err := c.do(http.MethodPost, "/review", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateExample sends POST /examples.
func (c *Client) CreateExample(req api.CreateExampleRequest) (*api.CodeExampleResponse, error) {
	var result api.CodeExampleResponse
	if err := c.do(http.MethodPost, "/examples", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetExample sends GET /examples/{id}.
func (c *Client) GetExample(id string) (*api.CodeExampleResponse, error) {
	var result api.CodeExampleResponse
	if err := c.do(http.MethodGet, "/examples/"+url.PathEscape(id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListExamples sends GET /examples?status=.
func (c *Client) ListExamples(status string) ([]api.CodeExampleResponse, error) {
	path := "/examples"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}

	var result api.ListExamplesResponse
	if err := c.do(http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Examples, nil
}
