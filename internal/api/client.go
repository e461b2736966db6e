// Package api is the HTTP client for the task marketplace. All requests
// go through a retry layer that absorbs transient transport faults and
// server errors, so callers see either a parsed response envelope or a
// hard error after the retry budget is spent.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const (
	maxAttempts    = 3
	defaultTimeout = 60 * time.Second
)

// retryDelays[i] is slept after failed attempt i before the next one.
var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// Client talks to the marketplace API with automatic retries.
//
// Retry policy: transport errors (timeouts, refused connections, resets)
// and 5xx responses are retried up to maxAttempts with fixed backoff,
// recreating the underlying HTTP client between attempts so a wedged
// connection pool cannot poison the rest of the run. 4xx responses are
// never retried; their body is parsed and returned as a normal envelope.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger

	sleep func(time.Duration) // test seam
}

// NewClient creates a Client for the given base URL. The API key is sent
// as a bearer token on every request.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: timeout,
		logger:  logger,
		sleep:   time.Sleep,
	}
	c.reconnect()
	return c
}

// reconnect discards the HTTP client and its connection pool.
func (c *Client) reconnect() {
	c.http = &http.Client{
		Timeout:   c.timeout,
		Transport: &http.Transport{},
	}
}

// do runs one request with the full retry policy. A nil body sends no
// request body; otherwise body is marshaled as JSON.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*Envelope, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryDelays[attempt-1]
			c.logger.Warn("retrying request",
				"method", method, "path", path, "attempt", attempt+1, "delay", delay, "error", lastErr)
			c.sleep(delay)
			c.reconnect()
		}

		env, retryable, err := c.once(ctx, method, path, payload)
		if err == nil {
			return env, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%s %s failed after %d attempts: %w", method, path, maxAttempts, lastErr)
}

// once performs a single HTTP exchange. The second return reports
// whether the error is worth retrying.
func (c *Client) once(ctx context.Context, method, path string, payload []byte) (*Envelope, bool, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport-level failure: connection refused, reset, timeout.
		return nil, true, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, true, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("%s %s: server error %d", method, path, resp.StatusCode)
	}

	// 2xx and 4xx both carry an envelope. Anything unparseable becomes a
	// synthetic failure envelope so workers always get a result to act on.
	if len(bytes.TrimSpace(raw)) == 0 {
		return errEnvelope("empty_response", "server returned no body (status "+strconv.Itoa(resp.StatusCode)+")"), false, nil
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errEnvelope("non_json", "server returned unparseable body (status "+strconv.Itoa(resp.StatusCode)+")"), false, nil
	}
	return &env, false, nil
}

// decodeData unpacks an envelope's data into out, surfacing the API
// error as a Go error when the call did not succeed.
func decodeData(env *Envelope, out interface{}) error {
	if !env.OK {
		return fmt.Errorf("api error: %s", env.Error.String())
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// ListTasks returns the open tasks on the marketplace.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/v1/tasks", nil)
	if err != nil {
		return nil, err
	}
	var tasks []Task
	if err := decodeData(env, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask fetches one task by id.
func (c *Client) GetTask(ctx context.Context, taskID int) (*Task, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+strconv.Itoa(taskID), nil)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := decodeData(env, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ClaimTask posts a claim on a task with an optional pitch message.
// A rejected claim comes back as an envelope error, not a Go error.
func (c *Client) ClaimTask(ctx context.Context, taskID int, message string) (*Envelope, error) {
	body := map[string]string{"message": message}
	return c.do(ctx, http.MethodPost, "/api/v1/tasks/"+strconv.Itoa(taskID)+"/claims", body)
}

// StartTask marks an accepted task as in progress.
func (c *Client) StartTask(ctx context.Context, taskID int) (*Envelope, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/tasks/"+strconv.Itoa(taskID)+"/start", nil)
}

// SubmitDeliverable uploads the finished work for a task.
func (c *Client) SubmitDeliverable(ctx context.Context, taskID int, d Deliverable) (*Envelope, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/tasks/"+strconv.Itoa(taskID)+"/deliverables", d)
}

// Me returns the authenticated agent's profile. It doubles as the
// startup health and auth check.
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/v1/agents/me", nil)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := decodeData(env, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// MyTasks returns the tasks currently assigned to this agent.
func (c *Client) MyTasks(ctx context.Context) ([]Task, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/v1/agents/me/tasks", nil)
	if err != nil {
		return nil, err
	}
	var tasks []Task
	if err := decodeData(env, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// MyClaims returns this agent's claims, pending and accepted alike.
func (c *Client) MyClaims(ctx context.Context) ([]Claim, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/v1/agents/me/claims", nil)
	if err != nil {
		return nil, err
	}
	var claims []Claim
	if err := decodeData(env, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// TaskMessages returns the discussion thread for a task.
func (c *Client) TaskMessages(ctx context.Context, taskID int) ([]Message, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+strconv.Itoa(taskID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := decodeData(env, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// PostRemark posts a status remark on a task's thread.
func (c *Client) PostRemark(ctx context.Context, taskID int, body string) (*Envelope, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/tasks/"+strconv.Itoa(taskID)+"/remarks", map[string]string{"body": body})
}
