// Package dashboard computes role-scoped task statistics.
package dashboard

import (
	"sort"
	"time"

	"taskflow/internal/domain"
)

// Filter narrows the matched task set. Empty fields match everything.
type Filter struct {
	ProjectID string `json:"project_id,omitempty"`
	MemberID  string `json:"member_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

type Stats struct {
	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	PendingTasks   int `json:"pending_tasks"`
	OverdueTasks   int `json:"overdue_tasks"`
}

func (s *Stats) add(t domain.Task, now time.Time) {
	s.TotalTasks++
	if t.Status == domain.TaskDone {
		s.CompletedTasks++
		return
	}
	s.PendingTasks++
	if t.Overdue(now) {
		s.OverdueTasks++
	}
}

type ProjectRef struct {
	ID     string               `json:"id"`
	Name   string               `json:"name"`
	Status domain.ProjectStatus `json:"status"`
}

type TaskItem struct {
	TaskID     string            `json:"task_id"`
	Title      string            `json:"title"`
	Status     domain.TaskStatus `json:"status"`
	Priority   domain.Priority   `json:"priority"`
	DueDate    time.Time         `json:"due_date"`
	Overdue    bool              `json:"overdue"`
	AssignedTo *domain.UserRef   `json:"assigned_to,omitempty"`
	Project    *ProjectRef       `json:"project,omitempty"`
}

type ProjectGroup struct {
	ProjectID     string               `json:"project_id"`
	ProjectName   string               `json:"project_name"`
	ProjectStatus domain.ProjectStatus `json:"project_status"`
	Tasks         []TaskItem           `json:"tasks"`
}

// View is the dashboard payload. Projects is filled for project managers,
// Tasks for members; the other list stays empty.
type View struct {
	Role     domain.Role    `json:"role"`
	Stats    Stats          `json:"stats"`
	Projects []ProjectGroup `json:"projects"`
	Tasks    []TaskItem     `json:"tasks"`
}

// Input is everything Build needs. Projects are the projects visible to the
// actor; Tasks may include tasks outside them, which are ignored.
type Input struct {
	Actor    domain.Actor
	Projects []domain.Project
	Tasks    []domain.Task
	Users    map[string]domain.UserRef
	Filter   Filter
	Now      time.Time
}

// Build groups and counts the tasks matched by the actor's role and filter.
// An actor with nothing visible gets zero counts and empty lists.
func Build(in Input) View {
	projects := make(map[string]domain.Project, len(in.Projects))
	for _, p := range in.Projects {
		if in.Filter.ProjectID != "" && p.ID != in.Filter.ProjectID {
			continue
		}
		projects[p.ID] = p
	}

	var matched []domain.Task
	for _, t := range in.Tasks {
		if _, ok := projects[t.ProjectID]; !ok {
			continue
		}
		if !in.Actor.IsPM() && t.AssignedTo != in.Actor.ID {
			continue
		}
		if in.Filter.MemberID != "" && t.AssignedTo != in.Filter.MemberID {
			continue
		}
		if in.Filter.TaskID != "" && t.ID != in.Filter.TaskID {
			continue
		}
		matched = append(matched, t)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].DueDate.Equal(matched[j].DueDate) {
			return matched[i].DueDate.Before(matched[j].DueDate)
		}
		return matched[i].ID < matched[j].ID
	})

	view := View{Role: in.Actor.Role, Projects: []ProjectGroup{}, Tasks: []TaskItem{}}
	for _, t := range matched {
		view.Stats.add(t, in.Now)
	}

	if in.Actor.IsPM() {
		byProject := make(map[string][]TaskItem, len(projects))
		for _, t := range matched {
			item := taskItem(t, in.Now)
			if u, ok := in.Users[t.AssignedTo]; ok {
				ref := domain.UserRef{ID: u.ID, Name: u.Name, Email: u.Email}
				item.AssignedTo = &ref
			}
			byProject[t.ProjectID] = append(byProject[t.ProjectID], item)
		}
		for _, p := range in.Projects {
			if _, ok := projects[p.ID]; !ok {
				continue
			}
			tasks := byProject[p.ID]
			if tasks == nil {
				tasks = []TaskItem{}
			}
			view.Projects = append(view.Projects, ProjectGroup{
				ProjectID:     p.ID,
				ProjectName:   p.Name,
				ProjectStatus: p.Status,
				Tasks:         tasks,
			})
		}
		return view
	}

	for _, t := range matched {
		item := taskItem(t, in.Now)
		p := projects[t.ProjectID]
		item.Project = &ProjectRef{ID: p.ID, Name: p.Name, Status: p.Status}
		view.Tasks = append(view.Tasks, item)
	}
	return view
}

func taskItem(t domain.Task, now time.Time) TaskItem {
	return TaskItem{
		TaskID:   t.ID,
		Title:    t.Title,
		Status:   t.Status,
		Priority: t.Priority,
		DueDate:  t.DueDate,
		Overdue:  t.Overdue(now),
	}
}
