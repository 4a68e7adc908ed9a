package domain

import "time"

type Role string

const (
	RolePM     Role = "pm"
	RoleMember Role = "member"
)

func (r Role) Valid() bool {
	return r == RolePM || r == RoleMember
}

// Actor is the authenticated identity performing an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (a Actor) IsPM() bool { return a.Role == RolePM }

type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectArchived  ProjectStatus = "archived"
)

func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectActive, ProjectCompleted, ProjectArchived:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Priorities lists every priority, lowest first.
var Priorities = [...]Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

func (p Priority) Valid() bool {
	for _, v := range Priorities {
		if v == p {
			return true
		}
	}
	return false
}

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (u User) Actor() Actor { return Actor{ID: u.ID, Role: u.Role} }

// UserRef is the denormalized view of a user embedded in other responses.
type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role,omitempty"`
}

type Project struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	Description   string                `json:"description"`
	CreatedBy     string                `json:"created_by"`
	Members       []string              `json:"members"`
	Status        ProjectStatus         `json:"status"`
	StartDate     time.Time             `json:"start_date"`
	EndDate       time.Time             `json:"end_date"`
	StatusHistory []ProjectStatusChange `json:"status_history,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// HasMember reports whether userID belongs to the project. The creator always does.
func (p Project) HasMember(userID string) bool {
	if userID == "" {
		return false
	}
	if p.CreatedBy == userID {
		return true
	}
	for _, m := range p.Members {
		if m == userID {
			return true
		}
	}
	return false
}

type ProjectStatusChange struct {
	OldStatus ProjectStatus `json:"old_status"`
	NewStatus ProjectStatus `json:"new_status"`
	ChangedBy string        `json:"changed_by"`
	ChangedAt time.Time     `json:"changed_at"`
}

type Task struct {
	ID            string             `json:"id"`
	Title         string             `json:"title"`
	Description   string             `json:"description"`
	ProjectID     string             `json:"project_id"`
	AssignedTo    string             `json:"assigned_to"`
	CreatedBy     string             `json:"created_by"`
	Priority      Priority           `json:"priority"`
	Status        TaskStatus         `json:"status"`
	DueDate       time.Time          `json:"due_date"`
	StatusHistory []TaskStatusChange `json:"status_history,omitempty"`
	Attachments   []Attachment       `json:"attachments,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Overdue reports whether the task is open past its due date at now.
func (t Task) Overdue(now time.Time) bool {
	return t.Status != TaskDone && t.DueDate.Before(now)
}

type TaskStatusChange struct {
	OldStatus TaskStatus `json:"old_status"`
	NewStatus TaskStatus `json:"new_status"`
	ChangedBy string     `json:"changed_by"`
	ChangedAt time.Time  `json:"changed_at"`
}

type Attachment struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Filename    string    `json:"filename"`
	StorageRef  string    `json:"storage_ref"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	UploadedBy  string    `json:"uploaded_by"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	UserID    string    `json:"user_id"`
	Author    *UserRef  `json:"author,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type EntityType string

const (
	EntityProject EntityType = "project"
	EntityTask    EntityType = "task"
)

type ActivityAction string

const (
	ActionCreate       ActivityAction = "create"
	ActionUpdate       ActivityAction = "update"
	ActionDelete       ActivityAction = "delete"
	ActionStatusChange ActivityAction = "status_change"
)

// ActivityLog is an append-only audit entry.
type ActivityLog struct {
	ID          int64          `json:"id"`
	EntityType  EntityType     `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	ProjectID   string         `json:"project_id,omitempty"`
	Action      ActivityAction `json:"action"`
	OldValue    string         `json:"old_value,omitempty"`
	NewValue    string         `json:"new_value,omitempty"`
	PerformedBy string         `json:"performed_by"`
	PerformedAt time.Time      `json:"performed_at"`
}
