package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskflow/internal/domain"
	"taskflow/internal/errs"
	"taskflow/internal/events"
	"taskflow/internal/policy"
	"taskflow/internal/repo"
	"taskflow/internal/workflow"
)

type CreateTaskInput struct {
	Title       string
	Description string
	AssignedTo  string
	Priority    domain.Priority
	DueDate     time.Time
}

// taskScope loads a task and its project outside a transaction.
func (e Engine) taskScope(ctx context.Context, taskID string) (domain.Task, domain.Project, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, domain.Project{}, missing(err, "task")
	}
	p, err := e.Repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		return t, p, missing(err, "project")
	}
	return t, p, nil
}

func (e Engine) taskScopeTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Task, domain.Project, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, domain.Project{}, missing(err, "task")
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, t.ProjectID)
	if err != nil {
		return t, p, missing(err, "project")
	}
	return t, p, nil
}

func (e Engine) validDueDate(due time.Time) error {
	if due.IsZero() {
		return errs.Invalid("invalid_due_date", "due_date is required")
	}
	if !due.After(e.now()) {
		return errs.Invalid("invalid_due_date", "due_date must be in the future")
	}
	return nil
}

func (e Engine) CreateTask(ctx context.Context, actor domain.Actor, projectID string, in CreateTaskInput) (domain.Task, error) {
	title := strings.TrimSpace(in.Title)
	if err := lengthBetween("title", title, 1, maxTitleLen); err != nil {
		return domain.Task{}, err
	}
	if err := lengthBetween("description", in.Description, 0, maxDescriptionLen); err != nil {
		return domain.Task{}, err
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !in.Priority.Valid() {
		return domain.Task{}, errs.Invalid("invalid_priority", "priority must be low, medium, high or critical")
	}
	if err := e.validDueDate(in.DueDate); err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	t := domain.Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: in.Description,
		ProjectID:   projectID,
		AssignedTo:  in.AssignedTo,
		CreatedBy:   actor.ID,
		Priority:    in.Priority,
		Status:      domain.TaskTodo,
		DueDate:     in.DueDate.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return missing(err, "project")
		}
		if err := policy.Check(actor, policy.ResourceTask, policy.ActionCreate, policy.Subject{Project: &p, AssigneeID: in.AssignedTo}); err != nil {
			return err
		}
		if p.Status == domain.ProjectArchived {
			return errs.Conflict("project_archived", "archived projects do not accept new tasks")
		}
		if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return err
		}
		return e.record(ctx, tx, events.Entry{
			EntityType: domain.EntityTask,
			EntityID:   t.ID,
			ProjectID:  p.ID,
			Action:     domain.ActionCreate,
			New:        t.Title,
			ActorID:    actor.ID,
		})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

type ListTasksInput struct {
	Status     string
	Priority   string
	AssignedTo string
	Summary    bool
}

// TaskList holds either the matching tasks or, for summary queries, their
// counts per priority.
type TaskList struct {
	Tasks      []domain.Task           `json:"tasks"`
	ByPriority map[domain.Priority]int `json:"by_priority,omitempty"`
}

func (e Engine) ListTasks(ctx context.Context, actor domain.Actor, projectID string, in ListTasksInput) (TaskList, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return TaskList{}, missing(err, "project")
	}
	if err := policy.Check(actor, policy.ResourceProject, policy.ActionRead, policy.Subject{Project: &p}); err != nil {
		return TaskList{}, err
	}
	if in.Status != "" && !domain.TaskStatus(in.Status).Valid() {
		return TaskList{}, errs.Invalid("invalid_status", "unknown status filter")
	}
	if in.Priority != "" && !domain.Priority(in.Priority).Valid() {
		return TaskList{}, errs.Invalid("invalid_priority", "unknown priority filter")
	}
	f := repo.TaskFilters{ProjectID: projectID, Status: in.Status, Priority: in.Priority, AssignedTo: in.AssignedTo}
	if !actor.IsPM() {
		f.AssignedTo = actor.ID
	}
	if in.Summary {
		counts, err := e.Repo.CountTasksByPriority(ctx, f)
		if err != nil {
			return TaskList{}, errs.Internal(err)
		}
		return TaskList{Tasks: []domain.Task{}, ByPriority: counts}, nil
	}
	tasks, err := e.Repo.ListTasks(ctx, f)
	if err != nil {
		return TaskList{}, errs.Internal(err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return TaskList{Tasks: tasks}, nil
}

func (e Engine) GetTask(ctx context.Context, actor domain.Actor, id string) (domain.Task, error) {
	t, p, err := e.taskScope(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := policy.Check(actor, policy.ResourceTask, policy.ActionRead, policy.Subject{Project: &p, Task: &t}); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// UpdateTaskInput holds the fields to change. Nil fields are left alone.
type UpdateTaskInput struct {
	Title       *string
	Description *string
	AssignedTo  *string
	Priority    *domain.Priority
	DueDate     *time.Time
	Status      *domain.TaskStatus
	// Keys lists every key the payload carried, null and unknown ones included.
	Keys []string
}

var updatableTaskFields = []string{"title", "description", "assigned_to", "priority", "due_date", "status"}

// Fields names the fields present, in payload terms.
func (in UpdateTaskInput) Fields() []string {
	var out []string
	if in.Title != nil {
		out = append(out, "title")
	}
	if in.Description != nil {
		out = append(out, "description")
	}
	if in.AssignedTo != nil {
		out = append(out, "assigned_to")
	}
	if in.Priority != nil {
		out = append(out, "priority")
	}
	if in.DueDate != nil {
		out = append(out, "due_date")
	}
	if in.Status != nil {
		out = append(out, "status")
	}
	for _, k := range in.Keys {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

// UpdateTask applies field edits and an optional status move in one
// transaction. The status goes through the same flow as UpdateTaskStatus.
func (e Engine) UpdateTask(ctx context.Context, actor domain.Actor, id string, in UpdateTaskInput) (domain.Task, error) {
	fields := in.Fields()
	if len(fields) == 0 {
		return domain.Task{}, errs.Invalid("empty_update", "no fields to update")
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		t, p, err := e.taskScopeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		s := policy.Subject{Project: &p, Task: &t, Fields: fields}
		if in.AssignedTo != nil {
			s.AssigneeID = *in.AssignedTo
		}
		if err := policy.Check(actor, policy.ResourceTask, policy.ActionUpdate, s); err != nil {
			return err
		}
		for _, f := range fields {
			if !slices.Contains(updatableTaskFields, f) {
				return errs.Invalid("unknown_field", fmt.Sprintf("unknown field %q", f))
			}
		}
		before := t
		if in.Title != nil {
			t.Title = strings.TrimSpace(*in.Title)
			if err := lengthBetween("title", t.Title, 1, maxTitleLen); err != nil {
				return err
			}
		}
		if in.Description != nil {
			t.Description = *in.Description
			if err := lengthBetween("description", t.Description, 0, maxDescriptionLen); err != nil {
				return err
			}
		}
		if in.AssignedTo != nil {
			t.AssignedTo = *in.AssignedTo
		}
		if in.Priority != nil {
			if !in.Priority.Valid() {
				return errs.Invalid("invalid_priority", "priority must be low, medium, high or critical")
			}
			t.Priority = *in.Priority
		}
		if in.DueDate != nil && !in.DueDate.Equal(t.DueDate) {
			if err := e.validDueDate(*in.DueDate); err != nil {
				return err
			}
			t.DueDate = in.DueDate.UTC()
		}
		now := e.now()
		if changed := changedTaskFields(before, t); len(changed) > 0 {
			t.UpdatedAt = now
			if err := e.Repo.UpdateTaskFieldsTx(ctx, tx, t); err != nil {
				return missing(err, "task")
			}
			if err := e.record(ctx, tx, events.Entry{
				EntityType: domain.EntityTask,
				EntityID:   t.ID,
				ProjectID:  t.ProjectID,
				Action:     domain.ActionUpdate,
				Old:        taskSnapshot(before, changed),
				New:        taskSnapshot(t, changed),
				ActorID:    actor.ID,
			}); err != nil {
				return err
			}
		}
		if in.Status != nil {
			return e.transition(ctx, tx, t, actor, *in.Status, now)
		}
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, id)
}

// UpdateTaskStatus moves a task along the status flow.
func (e Engine) UpdateTaskStatus(ctx context.Context, actor domain.Actor, id string, status domain.TaskStatus) (domain.Task, error) {
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		t, p, err := e.taskScopeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := policy.Check(actor, policy.ResourceTask, policy.ActionUpdateStatus, policy.Subject{Project: &p, Task: &t}); err != nil {
			return err
		}
		return e.transition(ctx, tx, t, actor, status, e.now())
	})
	if err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, id)
}

// transition validates the move and persists it by compare-and-swap on the
// status read earlier. Same-status requests write nothing.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, t domain.Task, actor domain.Actor, status domain.TaskStatus, now time.Time) error {
	res, err := workflow.Transition(t, actor, status, now)
	if err != nil {
		return err
	}
	if !res.Changed() {
		return nil
	}
	if err := e.Repo.CompareAndSwapStatusTx(ctx, tx, t.ID, *res.Change); err != nil {
		if errors.Is(err, repo.ErrStatusChanged) {
			return errs.Conflict("status_changed", "task status was changed by someone else")
		}
		return err
	}
	return e.record(ctx, tx, events.Entry{
		EntityType: domain.EntityTask,
		EntityID:   t.ID,
		ProjectID:  t.ProjectID,
		Action:     domain.ActionStatusChange,
		Old:        res.Change.OldStatus,
		New:        res.Change.NewStatus,
		ActorID:    actor.ID,
	})
}

func changedTaskFields(a, b domain.Task) []string {
	var out []string
	if a.Title != b.Title {
		out = append(out, "title")
	}
	if a.Description != b.Description {
		out = append(out, "description")
	}
	if a.AssignedTo != b.AssignedTo {
		out = append(out, "assigned_to")
	}
	if a.Priority != b.Priority {
		out = append(out, "priority")
	}
	if !a.DueDate.Equal(b.DueDate) {
		out = append(out, "due_date")
	}
	return out
}

func taskSnapshot(t domain.Task, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		switch f {
		case "title":
			out[f] = t.Title
		case "description":
			out[f] = t.Description
		case "assigned_to":
			out[f] = t.AssignedTo
		case "priority":
			out[f] = t.Priority
		case "due_date":
			out[f] = t.DueDate
		}
	}
	return out
}

func (e Engine) DeleteTask(ctx context.Context, actor domain.Actor, id string) error {
	var refs []string
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		t, p, err := e.taskScopeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := policy.Check(actor, policy.ResourceTask, policy.ActionDelete, policy.Subject{Project: &p, Task: &t}); err != nil {
			return err
		}
		if refs, err = e.Repo.AttachmentRefsTx(ctx, tx, "", t.ID); err != nil {
			return err
		}
		if err := e.Repo.DeleteTaskTx(ctx, tx, t.ID); err != nil {
			return missing(err, "task")
		}
		return e.record(ctx, tx, events.Entry{
			EntityType: domain.EntityTask,
			EntityID:   t.ID,
			ProjectID:  t.ProjectID,
			Action:     domain.ActionDelete,
			Old:        t.Title,
			ActorID:    actor.ID,
		})
	})
	if err != nil {
		return err
	}
	e.removeBlobs(ctx, refs)
	return nil
}
