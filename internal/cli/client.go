package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/imagejobs/internal/api/dto"
)

// APIError is a non-2xx answer from the API
type APIError struct {
	Status  int
	Message string
	Details []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("api returned %d: %s", e.Status, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

// Client talks to the producer API
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// ListParams narrows a history listing
type ListParams struct {
	State    string
	Filter   string
	PageSize int
	Cursor   string
}

func (c *Client) Submit(ctx context.Context, req dto.CreateJobRequest) (*dto.CreateJobResponse, error) {
	var out dto.CreateJobResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Get(ctx context.Context, id string) (*dto.JobDTO, error) {
	var out dto.JobDTO
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) List(ctx context.Context, p ListParams) (*dto.ListJobsResponse, error) {
	q := url.Values{}
	if p.State != "" {
		q.Set("state", p.State)
	}
	if p.Filter != "" {
		q.Set("filter", p.Filter)
	}
	if p.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(p.PageSize))
	}
	if p.Cursor != "" {
		q.Set("cursor", p.Cursor)
	}

	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out dto.ListJobsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cancel(ctx context.Context, id string) (*dto.CancelJobResponse, error) {
	var out dto.CancelJobResponse
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Stats(ctx context.Context) (*dto.StatsResponse, error) {
	var out dto.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Health(ctx context.Context) (*dto.HealthResponse, error) {
	var out dto.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Wait polls the job until it reaches a terminal state or ctx ends
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*dto.JobDTO, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch job.State {
		case "completed", "failed", "canceled":
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, fmt.Errorf("gave up waiting for job %s in state %s: %w", id, job.State, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr dto.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error, Details: apiErr.Details}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
