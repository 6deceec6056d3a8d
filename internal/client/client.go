// Package client implements the consumer side of the taskdeck API: a
// streaming chat session over the decoded event stream and a convergence
// poller that waits out background re-syncs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	chatmodel "github.com/qiuhaotian/taskdeck/internal/model/chat"
	taskmodel "github.com/qiuhaotian/taskdeck/internal/model/task"
)

// Client performs authenticated requests against the taskdeck API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds an API client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		// No overall timeout: the chat stream stays open for the duration
		// of a response. Callers bound requests with their context.
		httpClient: &http.Client{},
	}
}

// ChatStreamRequest is the body of the streaming chat call. History holds
// the turns before the current question.
type ChatStreamRequest struct {
	ExternalTaskKey string              `json:"externalTaskKey"`
	Message         string              `json:"message"`
	History         []chatmodel.Message `json:"history"`
}

// OpenChatStream posts a question and returns the response status and raw
// body stream. The caller owns closing the body.
func (c *Client) OpenChatStream(ctx context.Context, token string, req ChatStreamRequest) (int, io.ReadCloser, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return 0, nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, resp.Body, nil
}

// TriggerSync asks the backend to re-synchronize the task's sources.
func (c *Client) TriggerSync(ctx context.Context, token, externalTaskKey string, force bool) (taskmodel.SyncResponse, error) {
	body, err := json.Marshal(map[string]bool{"force": force})
	if err != nil {
		return taskmodel.SyncResponse{}, fmt.Errorf("encode sync request: %w", err)
	}

	var resp taskmodel.SyncResponse
	err = c.doJSON(ctx, token, http.MethodPost, c.taskPath(externalTaskKey, "sync"), bytes.NewReader(body), &resp)
	return resp, err
}

// Summary fetches the polled task summary.
func (c *Client) Summary(ctx context.Context, token, externalTaskKey string) (taskmodel.SummaryResponse, error) {
	var resp taskmodel.SummaryResponse
	err := c.doJSON(ctx, token, http.MethodGet, c.taskPath(externalTaskKey, "summary"), nil, &resp)
	return resp, err
}

// Sources lists the files of the task's latest snapshot.
func (c *Client) Sources(ctx context.Context, token, externalTaskKey string) (taskmodel.SourcesResponse, error) {
	var resp taskmodel.SourcesResponse
	err := c.doJSON(ctx, token, http.MethodGet, c.taskPath(externalTaskKey, "sources"), nil, &resp)
	return resp, err
}

// SignedURL fetches a short-lived download link for one source file.
func (c *Client) SignedURL(ctx context.Context, token, externalTaskKey, fileID string) (taskmodel.SignedURLResponse, error) {
	path := c.taskPath(externalTaskKey, "files/"+url.PathEscape(fileID)+"/signed-url")
	var resp taskmodel.SignedURLResponse
	err := c.doJSON(ctx, token, http.MethodGet, path, nil, &resp)
	return resp, err
}

func (c *Client) taskPath(externalTaskKey, suffix string) string {
	return fmt.Sprintf("%s/api/tasks/%s/%s", c.baseURL, url.PathEscape(externalTaskKey), suffix)
}

// RequestFailedError reports a non-success HTTP response.
type RequestFailedError struct {
	Status int
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("request failed with status %d", e.Status)
}

func (c *Client) doJSON(ctx context.Context, token, method, endpoint string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestFailedError{Status: resp.StatusCode}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// withTimeout bounds non-streaming calls so one slow poll cannot outlive the
// poller's deadline by much.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
