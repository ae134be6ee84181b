package foundrysdk

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

// Client is a minimal Foundry HTTP API client.
type Client struct {
	BaseURL    string
	ProjectID  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Idea represents the API idea model (partial).
type Idea struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Priority  int    `json:"priority"`
}

// Question represents a clarifier question.
type Question struct {
	ID     string  `json:"id"`
	IdeaID string  `json:"idea_id"`
	Text   string  `json:"question"`
	Status string  `json:"status"`
	Answer *string `json:"answer,omitempty"`
}

// Ticket represents the API ticket model (partial).
type Ticket struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	DevCycles   int    `json:"dev_cycles"`
	TestsPassed bool   `json:"tests_passed"`
}

// Job represents a queue job (partial).
type Job struct {
	ID       string  `json:"id"`
	Type     string  `json:"type"`
	Status   string  `json:"status"`
	Attempts int     `json:"attempts"`
	Error    *string `json:"error,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`
	Actor      string `json:"actor,omitempty"`
}

// Status is the pipeline scoreboard.
type Status struct {
	Ideas   map[string]int `json:"ideas"`
	Tickets map[string]int `json:"tickets"`
	Jobs    map[string]int `json:"jobs"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body parses as one.
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

// SubmitIdea submits an idea for refinement.
func (c *Client) SubmitIdea(ctx context.Context, title, description string, priority int) (Idea, error) {
	body := map[string]any{
		"project_id":  c.ProjectID,
		"title":       title,
		"description": description,
		"priority":    priority,
	}
	var resp Idea
	err := c.do(ctx, http.MethodPost, "ideas", body, &resp)
	return resp, err
}

// Questions returns pending questions, optionally scoped to one idea.
func (c *Client) Questions(ctx context.Context, ideaID string) ([]Question, error) {
	q := url.Values{"status": {"pending"}}
	if ideaID != "" {
		q.Set("idea_id", ideaID)
	}
	var resp []Question
	err := c.do(ctx, http.MethodGet, "questions?"+q.Encode(), nil, &resp)
	return resp, err
}

// AnswerQuestion answers a clarifier question.
func (c *Client) AnswerQuestion(ctx context.Context, id, answer string) (Question, error) {
	var resp Question
	endpoint := fmt.Sprintf("questions/%s/answer", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"answer": answer}, &resp)
	return resp, err
}

// ApproveIdea converts an idea into a ticket.
func (c *Client) ApproveIdea(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	endpoint := fmt.Sprintf("ideas/%s/approve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// CreateTicket creates a ticket directly, without an idea.
func (c *Client) CreateTicket(ctx context.Context, title, ticketType string) (Ticket, error) {
	body := map[string]any{
		"project_id": c.ProjectID,
		"title":      title,
		"type":       ticketType,
	}
	var resp Ticket
	err := c.do(ctx, http.MethodPost, "tickets", body, &resp)
	return resp, err
}

// GetTicket fetches a ticket by id.
func (c *Client) GetTicket(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodGet, "tickets/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ApproveTicket marks a reviewed ticket done.
func (c *Client) ApproveTicket(ctx context.Context, id, note string) (Ticket, error) {
	var resp Ticket
	endpoint := fmt.Sprintf("tickets/%s/approve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"note": note}, &resp)
	return resp, err
}

// RequestChanges sends a reviewed ticket back for another dev cycle.
func (c *Client) RequestChanges(ctx context.Context, id, feedback string) (Ticket, error) {
	var resp Ticket
	endpoint := fmt.Sprintf("tickets/%s/request-changes", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"feedback": feedback}, &resp)
	return resp, err
}

// Jobs lists queue jobs by status.
func (c *Client) Jobs(ctx context.Context, status string, limit int) ([]Job, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "jobs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Status returns idea, ticket, and job counts.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Code
			apiErr.Message = env.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
