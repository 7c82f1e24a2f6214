package taskdesksdk

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

// Client is a minimal TaskDesk HTTP API client.
type Client struct {
	BaseURL     string
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

// User is a directory entry.
type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	DepartmentID string `json:"department_id"`
}

// Department groups users and scopes task completion.
type Department struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Task represents the API task model.
type Task struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Status          string  `json:"status"`
	Priority        string  `json:"priority"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	CreatedByID     string  `json:"created_by_id"`
	AssignedToID    string  `json:"assigned_to_id"`
	DepartmentID    string  `json:"department_id"`
	CreatedDate     string  `json:"created_date"`
	DueDate         string  `json:"due_date"`
	CompletedDate   *string `json:"completed_date,omitempty"`
}

// Event is an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// LoginResult is the payload of a successful login.
type LoginResult struct {
	Token      string     `json:"token"`
	User       User       `json:"user"`
	Department Department `json:"department"`
}

// CreateTaskParams are the fields for creating or replacing a task.
type CreateTaskParams struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	DueDate      string `json:"due_date"`
	Priority     string `json:"priority,omitempty"`
	AssignedToID string `json:"assigned_to_id"`
	DepartmentID string `json:"department_id"`
}

// APIError wraps non-2xx responses. Message carries the envelope
// message when the body could be parsed.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d message=%s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login authenticates with an email and stores the returned bearer
// token on the client for subsequent calls.
func (c *Client) Login(ctx context.Context, email string) (LoginResult, error) {
	var resp LoginResult
	err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{"email": email}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// Me returns the authenticated user and department.
func (c *Client) Me(ctx context.Context) (User, Department, error) {
	var resp struct {
		User       User       `json:"user"`
		Department Department `json:"department"`
	}
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp.User, resp.Department, err
}

// Users lists the directory.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var resp []User
	err := c.do(ctx, http.MethodGet, "users", nil, &resp)
	return resp, err
}

// Departments lists all departments.
func (c *Client) Departments(ctx context.Context) ([]Department, error) {
	var resp []Department
	err := c.do(ctx, http.MethodGet, "departments", nil, &resp)
	return resp, err
}

// CreateTask creates a task; the server records the caller as creator.
func (c *Client) CreateTask(ctx context.Context, params CreateTaskParams) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", params, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Tasks lists tasks with optional status and department filters.
func (c *Client) Tasks(ctx context.Context, status, departmentID string) ([]Task, error) {
	endpoint := "tasks"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if departmentID != "" {
		q.Set("department_id", departmentID)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MyTasks lists tasks assigned to the authenticated user.
func (c *Client) MyTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "tasks/mine", nil, &resp)
	return resp, err
}

// CreatedTasks lists tasks created by the authenticated user.
func (c *Client) CreatedTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "tasks/created", nil, &resp)
	return resp, err
}

// UpdateTask replaces the mutable fields of a task (creator only).
func (c *Client) UpdateTask(ctx context.Context, id string, params CreateTaskParams) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPut, "tasks/"+url.PathEscape(id), params, &resp)
	return resp, err
}

// DeleteTask deletes a task (creator only).
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, nil)
}

// StartTask moves an assigned task into progress (assignee only).
func (c *Client) StartTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/start", nil, &resp)
	return resp, err
}

// CompleteTask completes a task (same department).
func (c *Client) CompleteTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/complete", nil, &resp)
	return resp, err
}

// RejectTask rejects a task with a reason (same department).
func (c *Client) RejectTask(ctx context.Context, id, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// envelope mirrors the API response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		var env envelope
		if json.Unmarshal(raw, &env) == nil {
			apiErr.Message = env.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	if len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
