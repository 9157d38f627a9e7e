package main

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

// MessageRequest matches internal/http MessageRequest.
type MessageRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// Reply matches orchestrator.Reply.
type Reply struct {
	TaskID               string `json:"task_id"`
	Generation           int    `json:"generation"`
	Text                 string `json:"reply_text"`
	AwaitingConfirmation bool   `json:"awaiting_confirmation"`
	ConfirmationPrompt   string `json:"confirmation_prompt,omitempty"`
	Phase                string `json:"phase"`
	Failure              string `json:"failure,omitempty"`
}

// StepStatus matches orchestrator.StepStatus.
type StepStatus struct {
	ID          string   `json:"step_id"`
	Action      string   `json:"action_name"`
	Description string   `json:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Status      string   `json:"status"`
	Attempts    int      `json:"attempts"`
	LastError   string   `json:"last_error,omitempty"`
}

// Status matches orchestrator.Status.
type Status struct {
	TaskID               string       `json:"task_id"`
	UserID               string       `json:"user_id"`
	Generation           int          `json:"generation"`
	Phase                string       `json:"phase"`
	Intent               string       `json:"intent,omitempty"`
	Goal                 string       `json:"goal,omitempty"`
	Cursor               int          `json:"cursor"`
	Iterations           int          `json:"iteration_count"`
	Failure              string       `json:"failure,omitempty"`
	AwaitingConfirmation bool         `json:"awaiting_confirmation"`
	ConfirmationPrompt   string       `json:"confirmation_prompt,omitempty"`
	Reply                string       `json:"reply,omitempty"`
	Steps                []StepStatus `json:"steps"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// TaskSummary matches checkpoint.Summary.
type TaskSummary struct {
	TaskID               string    `json:"task_id"`
	UserID               string    `json:"user_id"`
	Generation           int       `json:"generation"`
	Phase                string    `json:"phase"`
	Goal                 string    `json:"goal,omitempty"`
	AwaitingConfirmation bool      `json:"awaiting_confirmation"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TaskList matches internal/http TaskList.
type TaskList struct {
	UserID string        `json:"user_id"`
	Tasks  []TaskSummary `json:"tasks"`
}

// Capability matches capability.Descriptor without the schema.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	RiskTier    string `json:"risk_tier"`
}

// HealthResponse matches internal/http HealthResponse.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse matches internal/http ErrorResponse.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// apiError is a non-2xx response.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// client talks to the orbitd HTTP API.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return &apiError{StatusCode: resp.StatusCode, Message: e.Error}
		}
		return &apiError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *client) ask(ctx context.Context, taskID, user, message string) (*Reply, error) {
	path := "/api/v1/tasks"
	if taskID != "" {
		path += "/" + url.PathEscape(taskID) + "/messages"
	}
	var r Reply
	err := c.do(ctx, http.MethodPost, path, MessageRequest{UserID: user, Message: message}, &r)
	return &r, err
}

func (c *client) confirm(ctx context.Context, taskID, user, answer string) (*Reply, error) {
	var r Reply
	err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/confirm",
		MessageRequest{UserID: user, Message: answer}, &r)
	return &r, err
}

func (c *client) status(ctx context.Context, taskID string) (*Status, error) {
	var s Status
	err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &s)
	return &s, err
}

func (c *client) tasks(ctx context.Context, user string) (*TaskList, error) {
	var l TaskList
	err := c.do(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(user)+"/tasks", nil, &l)
	return &l, err
}

func (c *client) capabilities(ctx context.Context) ([]Capability, error) {
	var caps []Capability
	err := c.do(ctx, http.MethodGet, "/api/v1/capabilities", nil, &caps)
	return caps, err
}

func (c *client) health(ctx context.Context) (*HealthResponse, error) {
	var h HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	return &h, err
}
