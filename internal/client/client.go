// Package client talks to the queue and job endpoints of the SalesHub API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/saleshub/api-go/internal/model"
)

const (
	jobIDHeader    = "X-Job-Id"
	defaultTimeout = 15 * time.Second
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// New builds a client. httpClient must not carry a Timeout if job streams
// are used; unary calls get their own deadline.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		timeout: defaultTimeout,
	}
}

// QueueSnapshot is a queue read. Degraded carries the server's advisory
// error when the queue could not be read; an empty Queue is then "unknown".
type QueueSnapshot struct {
	Position int                `json:"position"`
	Queue    []model.QueueEntry `json:"queue"`
	Success  bool               `json:"success"`
	Degraded string             `json:"error,omitempty"`
}

func (c *Client) ListQueue(ctx context.Context) (QueueSnapshot, error) {
	var snap QueueSnapshot
	err := c.doJSON(ctx, http.MethodGet, "/api/queue", nil, &snap)
	return snap, err
}

// CheckStatus reports the user's position; -1 means the user is not queued.
func (c *Client) CheckStatus(ctx context.Context, userID string) (QueueSnapshot, error) {
	var snap QueueSnapshot
	err := c.doJSON(ctx, http.MethodGet, "/api/queue?userId="+url.QueryEscape(userID), nil, &snap)
	return snap, err
}

func (c *Client) JoinQueue(ctx context.Context, userID, userName, processType string) (QueueSnapshot, error) {
	body := map[string]string{"userId": userID, "userName": userName, "processType": processType}
	var snap QueueSnapshot
	err := c.doJSON(ctx, http.MethodPost, "/api/queue", body, &snap)
	return snap, err
}

func (c *Client) LeaveQueue(ctx context.Context, userID string) (QueueSnapshot, error) {
	var snap QueueSnapshot
	err := c.doJSON(ctx, http.MethodDelete, "/api/queue?userId="+url.QueryEscape(userID), nil, &snap)
	return snap, err
}

// JobStream is an open job progress stream.
type JobStream struct {
	JobID string
	Body  io.ReadCloser
}

// StartJob posts the job and returns its open stream. The stream lives as
// long as ctx.
func (c *Client) StartJob(ctx context.Context, processType string, payload json.RawMessage) (*JobStream, error) {
	raw, err := json.Marshal(map[string]any{"processType": processType, "payload": payload})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson, text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return &JobStream{JobID: resp.Header.Get(jobIDHeader), Body: resp.Body}, nil
}

func (c *Client) JobStatus(ctx context.Context, jobID string) (model.JobStatusView, error) {
	var view model.JobStatusView
	err := c.doJSON(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &view)
	return view, err
}

func (c *Client) RenewLease(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/lease", nil, nil)
}

func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(jobID), nil, nil)
}

// doJSON performs a unary call. On non-2xx the body is still decoded into out
// when possible, so degraded queue snapshots reach the caller with the error.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("%s %s: decode body: %w", method, path, err)
		}
	}
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
}

func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
