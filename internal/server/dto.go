package server

import (
	"time"

	"taskflow/internal/domain"
	"taskflow/internal/engine"
)

// Request payloads

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role" enum:"pm,member"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type CreateProjectRequest struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	Members     []string  `json:"members,omitempty"`
}

type UpdateProjectRequest struct {
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      *string    `json:"status,omitempty" enum:"active,completed,archived"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
}

type CreateTaskRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	AssignedTo  string    `json:"assigned_to"`
	Priority    string    `json:"priority,omitempty" enum:"low,medium,high,critical"`
	DueDate     time.Time `json:"due_date"`
}

// UpdateTaskRequest accepts unknown keys so the handler can reject them
// per caller role.
type UpdateTaskRequest struct {
	_           struct{}   `json:"-" additionalProperties:"true"`
	Title       *string    `json:"title,omitempty" nullable:"true"`
	Description *string    `json:"description,omitempty" nullable:"true"`
	AssignedTo  *string    `json:"assigned_to,omitempty" nullable:"true"`
	Priority    *string    `json:"priority,omitempty" nullable:"true" enum:"low,medium,high,critical"`
	DueDate     *time.Time `json:"due_date,omitempty" nullable:"true"`
	Status      *string    `json:"status,omitempty" nullable:"true" enum:"todo,in_progress,in_review,done"`
}

type UpdateTaskStatusRequest struct {
	Status string `json:"status" enum:"todo,in_progress,in_review,done"`
}

type CommentRequest struct {
	Content string `json:"content"`
}

// Response payloads

type LoginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      domain.User `json:"user"`
}

// ProjectResponse is a project with its member profiles.
type ProjectResponse struct {
	ID            string                       `json:"id"`
	Name          string                       `json:"name"`
	Description   string                       `json:"description"`
	CreatedBy     string                       `json:"created_by"`
	Members       []string                     `json:"members"`
	MemberRefs    []domain.UserRef             `json:"member_refs"`
	Status        domain.ProjectStatus         `json:"status"`
	StartDate     time.Time                    `json:"start_date"`
	EndDate       time.Time                    `json:"end_date"`
	StatusHistory []domain.ProjectStatusChange `json:"status_history,omitempty"`
	CreatedAt     time.Time                    `json:"created_at"`
	UpdatedAt     time.Time                    `json:"updated_at"`
}

func newProjectResponse(d engine.ProjectDetail) ProjectResponse {
	p := d.Project
	return ProjectResponse{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		CreatedBy:     p.CreatedBy,
		Members:       nonNilSlice(p.Members),
		MemberRefs:    nonNilSlice(d.MemberRefs),
		Status:        p.Status,
		StartDate:     p.StartDate,
		EndDate:       p.EndDate,
		StatusHistory: p.StatusHistory,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

type paginatedActivity struct {
	Items      []domain.ActivityLog `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

func loginResponse(s engine.Session) LoginResponse {
	return LoginResponse{Token: s.Token, ExpiresAt: s.ExpiresAt, User: s.User}
}

func (r UpdateProjectRequest) input() engine.UpdateProjectInput {
	in := engine.UpdateProjectInput{
		Name:        r.Name,
		Description: r.Description,
		StartDate:   r.StartDate,
		EndDate:     r.EndDate,
	}
	if r.Status != nil {
		s := domain.ProjectStatus(*r.Status)
		in.Status = &s
	}
	return in
}

func (r UpdateTaskRequest) input(keys []string) engine.UpdateTaskInput {
	in := engine.UpdateTaskInput{
		Keys:        keys,
		Title:       r.Title,
		Description: r.Description,
		AssignedTo:  r.AssignedTo,
		DueDate:     r.DueDate,
	}
	if r.Priority != nil {
		p := domain.Priority(*r.Priority)
		in.Priority = &p
	}
	if r.Status != nil {
		s := domain.TaskStatus(*r.Status)
		in.Status = &s
	}
	return in
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
