package foremansdk

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
)

// Client is a minimal Foreman HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id,omitempty"`
	Title           string         `json:"title"`
	Type            string         `json:"task_type,omitempty"`
	Status          string         `json:"status"`
	Progress        float64        `json:"progress"`
	AssignedAgentID string         `json:"assigned_agent_id,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
}

type PlanItem struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AgentType   string `json:"agent_type,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

type Plan struct {
	ID      string     `json:"id"`
	TaskID  string     `json:"task_id"`
	Version int        `json:"version"`
	Status  string     `json:"status"`
	Items   []PlanItem `json:"plan_data"`
}

type Subtask struct {
	ID     string `json:"id"`
	PlanID string `json:"plan_id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Approval is returned when a plan is approved.
type Approval struct {
	Plan     Plan      `json:"plan"`
	Subtasks []Subtask `json:"subtasks"`
	Created  bool      `json:"created"`
}

// ReasoningEntry is one line of a task's reasoning log.
type ReasoningEntry struct {
	TaskID    string `json:"task_id"`
	EventType string `json:"event_type"`
	Message   string `json:"message"`
	Status    string `json:"status"`
	Sequence  int64  `json:"sequence"`
	CreatedAt string `json:"created_at"`
}

type ReasoningPage struct {
	Items        []ReasoningEntry `json:"items"`
	HasMore      bool             `json:"has_more"`
	LastSequence int64            `json:"last_sequence"`
}

// TriggerResult is the outcome of a synchronous task run.
type TriggerResult struct {
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// PaginatedTasks wraps list responses with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task, optionally inside a project.
func (c *Client) CreateTask(ctx context.Context, projectID, title string, input map[string]any) (Task, error) {
	body := map[string]any{"title": title}
	if projectID != "" {
		body["project_id"] = projectID
	}
	if input != nil {
		body["input_data"] = input
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// TasksPage returns one page of tasks, newest first.
func (c *Client) TasksPage(ctx context.Context, projectID, status string, limit int, cursor string) (PaginatedTasks, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp, err
}

func (c *Client) CancelTask(ctx context.Context, id, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// CreatePlan stores a new plan version; submit sends it straight to approval.
func (c *Client) CreatePlan(ctx context.Context, taskID string, items []PlanItem, submit bool) (Plan, error) {
	body := map[string]any{"plan_data": items, "submit": submit}
	var resp Plan
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/plans", body, &resp)
	return resp, err
}

func (c *Client) ApprovePlan(ctx context.Context, planID string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "plans/"+url.PathEscape(planID)+"/approve", nil, &resp)
	return resp, err
}

func (c *Client) RejectPlan(ctx context.Context, planID, reason string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodPost, "plans/"+url.PathEscape(planID)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// TriggerTask runs the task now and waits for the agent's result.
func (c *Client) TriggerTask(ctx context.Context, taskID string) (TriggerResult, error) {
	var resp TriggerResult
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/trigger", nil, &resp)
	return resp, err
}

// Reasoning returns log entries after the given sequence.
func (c *Client) Reasoning(ctx context.Context, taskID string, afterSequence int64, limit int) (ReasoningPage, error) {
	q := url.Values{}
	if afterSequence > 0 {
		q.Set("after_sequence", strconv.FormatInt(afterSequence, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp ReasoningPage
	err := c.do(ctx, http.MethodGet, withQuery("tasks/"+url.PathEscape(taskID)+"/reasoning", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
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
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
