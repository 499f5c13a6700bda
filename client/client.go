// Package client talks to the taskboard API and keeps a live local view of
// the board in sync with the server's change stream.
package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// Client wraps http.Client with helpers for the taskboard JSON API.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a Client for baseURL. token may be empty until Login.
func New(baseURL, token string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{}, token: token}
}

// Token returns the current session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the session token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do sends a JSON request and decodes a successful response into out.
// Error responses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return readAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return sonic.ConfigStd.NewDecoder(resp.Body).Decode(out)
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, name, email, password string) error {
	body := map[string]string{"name": name, "email": email, "password": password}
	return c.do(ctx, http.MethodPost, "/api/user/register", body, nil)
}

// Login exchanges credentials for a session token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/user/login", body, &resp); err != nil {
		return "", err
	}
	c.SetToken(resp.Token)
	return resp.Token, nil
}

// Logout revokes the current token on the server and forgets it locally.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/user/logout", nil, nil); err != nil {
		return err
	}
	c.SetToken("")
	return nil
}

func (c *Client) ListTasks(ctx context.Context) ([]domain.Task, error) {
	tasks := make([]domain.Task, 0)
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t)
	return t, err
}

func (c *Client) CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks", in, &t)
	return t, err
}

// UpdateTask sends a partial update; nil fields keep their stored value.
func (c *Client) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, http.MethodPatch, "/api/tasks/"+url.PathEscape(id), patch, &t)
	return t, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Stats(ctx context.Context) (domain.Stats, error) {
	var s domain.Stats
	err := c.do(ctx, http.MethodGet, "/api/tasks/stats", nil, &s)
	return s, err
}

// Subscribe opens the server-sent event stream. It returns once the server
// has registered the subscription, so a snapshot fetched afterwards cannot
// miss an event.
func (c *Client) Subscribe(ctx context.Context) (*Stream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	s := newStream(resp.Body)
	select {
	case <-s.ready:
		return s, nil
	case <-s.ended:
		err := s.Err()
		if err == nil {
			err = ErrStreamEnded
		}
		return nil, err
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}
