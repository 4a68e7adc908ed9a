package taskflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		Timeout:  10 * time.Second,
	}
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	Members     []string  `json:"members"`
}

type StatusChange struct {
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
}

type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type Task struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	AssignedTo    string         `json:"assigned_to"`
	Status        string         `json:"status"`
	Priority      string         `json:"priority"`
	DueDate       time.Time      `json:"due_date"`
	StatusHistory []StatusChange `json:"status_history"`
	Attachments   []Attachment   `json:"attachments"`
}

// NewTask is the create-task payload.
type NewTask struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	AssignedTo  string    `json:"assigned_to"`
	Priority    string    `json:"priority,omitempty"`
	DueDate     time.Time `json:"due_date"`
}

type DashboardStats struct {
	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	PendingTasks   int `json:"pending_tasks"`
	OverdueTasks   int `json:"overdue_tasks"`
}

type DashboardTask struct {
	TaskID   string    `json:"task_id"`
	Title    string    `json:"title"`
	Status   string    `json:"status"`
	Priority string    `json:"priority"`
	DueDate  time.Time `json:"due_date"`
	Overdue  bool      `json:"overdue"`
}

type DashboardProject struct {
	ProjectID   string          `json:"project_id"`
	ProjectName string          `json:"project_name"`
	Tasks       []DashboardTask `json:"tasks"`
}

type Dashboard struct {
	Role     string             `json:"role"`
	Stats    DashboardStats     `json:"stats"`
	Projects []DashboardProject `json:"projects"`
	Tasks    []DashboardTask    `json:"tasks"`
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

// Register creates an account.
func (c *Client) Register(ctx context.Context, name, email, password, role string) (User, error) {
	body := map[string]any{
		"name":     name,
		"email":    email,
		"password": password,
		"role":     role,
	}
	var resp User
	err := c.do(ctx, http.MethodPost, "auth/register", body, &resp)
	return resp, err
}

// Login exchanges credentials for a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var resp Session
	if err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{"email": email, "password": password}, &resp); err != nil {
		return resp, err
	}
	c.BearerToken = resp.Token
	return resp, nil
}

// CreateProject creates a project owned by the caller.
func (c *Client) CreateProject(ctx context.Context, name string, start, end time.Time, members ...string) (Project, error) {
	body := map[string]any{
		"name":       name,
		"start_date": start,
		"end_date":   end,
	}
	if len(members) > 0 {
		body["members"] = members
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

// AddMember adds a user to a project.
func (c *Client) AddMember(ctx context.Context, projectID, userID string) (Project, error) {
	var resp Project
	endpoint := fmt.Sprintf("projects/%s/members", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"user_id": userID}, &resp)
	return resp, err
}

// CreateTask creates a task in a project.
func (c *Client) CreateTask(ctx context.Context, projectID string, t NewTask) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("projects/%s/tasks", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, t, &resp)
	return resp, err
}

// UpdateTaskStatus moves a task to status.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s/status", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// UploadAttachment sends one file as multipart form data.
func (c *Client) UploadAttachment(ctx context.Context, taskID, filename string, r io.Reader) (Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return Attachment{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return Attachment{}, err
	}
	if err := mw.Close(); err != nil {
		return Attachment{}, err
	}
	var resp Attachment
	endpoint := fmt.Sprintf("tasks/%s/attachments", url.PathEscape(taskID))
	err = c.send(ctx, http.MethodPost, endpoint, mw.FormDataContentType(), &buf, &resp)
	return resp, err
}

// Dashboard returns the caller's dashboard. Empty filters are ignored.
func (c *Client) Dashboard(ctx context.Context, projectID, memberID string) (Dashboard, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if memberID != "" {
		q.Set("member_id", memberID)
	}
	endpoint := "dashboard"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
