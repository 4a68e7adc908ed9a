// Package policy decides whether an actor may perform an action on a resource.
//
// Every rule lives in one table keyed by (resource, action). Rules are pure:
// they see only the snapshots passed in Subject, so callers must load fresh
// state (ideally inside the transaction that will mutate it) before asking.
package policy

import (
	"fmt"

	"taskflow/internal/domain"
	"taskflow/internal/errs"
)

type Resource string

const (
	ResourceProject Resource = "project"
	ResourceTask    Resource = "task"
	ResourceComment Resource = "comment"
	ResourceUser    Resource = "user"
)

type Action string

const (
	ActionCreate       Action = "create"
	ActionRead         Action = "read"
	ActionUpdate       Action = "update"
	ActionDelete       Action = "delete"
	ActionAddMember    Action = "add_member"
	ActionUpdateStatus Action = "update_status"
	ActionUpload       Action = "upload"
	ActionList         Action = "list"
	ActionReadActivity Action = "read_activity"
)

// Subject carries the state a rule needs. Only the fields relevant to the
// (resource, action) pair have to be set.
type Subject struct {
	// Project is the target project, or the parent project of a task/comment.
	Project *domain.Project
	Task    *domain.Task
	Comment *domain.Comment
	// OpenTasks counts tasks under Project whose status is not done.
	OpenTasks int
	// Fields names the fields present in an update payload.
	Fields []string
	// AssigneeID is the requested assignee on task create or reassignment.
	AssigneeID string
}

// Decision is the tagged outcome of Authorize.
type Decision struct {
	Allowed bool
	Kind    errs.Kind
	Code    string
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(code, reason string) Decision {
	return Decision{Kind: errs.KindForbidden, Code: code, Reason: reason}
}

func denyAs(kind errs.Kind, code, reason string) Decision {
	return Decision{Kind: kind, Code: code, Reason: reason}
}

// Err converts a denial into a tagged error. It returns nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &errs.Error{Kind: d.Kind, Code: d.Code, Message: d.Reason}
}

type rule func(actor domain.Actor, s Subject) Decision

type key struct {
	resource Resource
	action   Action
}

var rules = map[key]rule{
	{ResourceProject, ActionCreate}:       projectCreate,
	{ResourceProject, ActionRead}:         projectRead,
	{ResourceProject, ActionUpdate}:       projectUpdate,
	{ResourceProject, ActionDelete}:       projectDelete,
	{ResourceProject, ActionAddMember}:    projectAddMember,
	{ResourceProject, ActionReadActivity}: projectPM,

	{ResourceTask, ActionCreate}:       taskCreate,
	{ResourceTask, ActionRead}:         taskRead,
	{ResourceTask, ActionUpdate}:       taskUpdate,
	{ResourceTask, ActionUpdateStatus}: taskRead,
	{ResourceTask, ActionDelete}:       projectPM,
	{ResourceTask, ActionUpload}:       taskRead,

	{ResourceComment, ActionCreate}: taskRead,
	{ResourceComment, ActionRead}:   taskRead,
	{ResourceComment, ActionDelete}: commentDelete,

	{ResourceUser, ActionList}: pmOnly,
}

// Authorize evaluates the rule registered for (resource, action).
// Unknown pairs are denied.
func Authorize(actor domain.Actor, resource Resource, action Action, s Subject) Decision {
	if actor.ID == "" {
		return denyAs(errs.KindUnauthenticated, "unauthenticated", "authentication required")
	}
	r, ok := rules[key{resource, action}]
	if !ok {
		return deny("forbidden", fmt.Sprintf("%s %s is not permitted", action, resource))
	}
	return r(actor, s)
}

// Check is Authorize returning an error.
func Check(actor domain.Actor, resource Resource, action Action, s Subject) error {
	return Authorize(actor, resource, action, s).Err()
}

func projectCreate(actor domain.Actor, _ Subject) Decision {
	if !actor.IsPM() {
		return deny("pm_required", "only project managers can create projects")
	}
	return allow()
}

func pmOnly(actor domain.Actor, _ Subject) Decision {
	if !actor.IsPM() {
		return deny("pm_required", "only project managers can do this")
	}
	return allow()
}

func projectRead(actor domain.Actor, s Subject) Decision {
	if s.Project == nil {
		return deny("forbidden", "project required")
	}
	if !s.Project.HasMember(actor.ID) {
		return deny("not_project_member", "not a member of this project")
	}
	return allow()
}

func projectOwner(actor domain.Actor, s Subject) Decision {
	if s.Project == nil {
		return deny("forbidden", "project required")
	}
	if s.Project.CreatedBy != actor.ID {
		return deny("not_project_owner", "only the project creator can do this")
	}
	return allow()
}

func projectUpdate(actor domain.Actor, s Subject) Decision {
	if d := projectOwner(actor, s); !d.Allowed {
		return d
	}
	if s.Project.Status == domain.ProjectArchived {
		return denyAs(errs.KindConflict, "project_archived", "archived projects cannot be updated")
	}
	return allow()
}

func projectDelete(actor domain.Actor, s Subject) Decision {
	if d := projectOwner(actor, s); !d.Allowed {
		return d
	}
	if s.Project.Status != domain.ProjectArchived {
		return denyAs(errs.KindConflict, "project_not_archived", "only archived projects can be deleted")
	}
	if s.OpenTasks > 0 {
		return denyAs(errs.KindConflict, "project_has_open_tasks",
			fmt.Sprintf("project has %d tasks that are not done", s.OpenTasks))
	}
	return allow()
}

// projectAddMember checks ownership only. Existence of the target user and
// duplicate membership are enforced by the store.
func projectAddMember(actor domain.Actor, s Subject) Decision {
	return projectOwner(actor, s)
}

// projectPM allows project managers who belong to the project.
func projectPM(actor domain.Actor, s Subject) Decision {
	if !actor.IsPM() {
		return deny("pm_required", "only project managers can do this")
	}
	if s.Project == nil || !s.Project.HasMember(actor.ID) {
		return deny("not_project_member", "not a member of this project")
	}
	return allow()
}

func taskCreate(actor domain.Actor, s Subject) Decision {
	if d := projectPM(actor, s); !d.Allowed {
		return d
	}
	if !s.Project.HasMember(s.AssigneeID) {
		return denyAs(errs.KindInvalidInput, "assignee_not_member", "assignee must be a member of the project")
	}
	return allow()
}

// taskRead allows the assignee, and project managers who belong to the
// task's project. Status updates, uploads and comment create/list share it.
func taskRead(actor domain.Actor, s Subject) Decision {
	if s.Task == nil {
		return deny("forbidden", "task required")
	}
	if s.Task.AssignedTo == actor.ID {
		return allow()
	}
	if d := projectPM(actor, s); !d.Allowed {
		return deny(d.Code, "not allowed to access this task")
	}
	return allow()
}

func taskUpdate(actor domain.Actor, s Subject) Decision {
	if s.Task == nil {
		return deny("forbidden", "task required")
	}
	if actor.IsPM() {
		if d := projectPM(actor, s); !d.Allowed {
			return d
		}
		if hasField(s.Fields, "assigned_to") && !s.Project.HasMember(s.AssigneeID) {
			return denyAs(errs.KindInvalidInput, "assignee_not_member", "assignee must be a member of the project")
		}
		return allow()
	}
	if s.Task.AssignedTo != actor.ID {
		return deny("not_assignee", "not allowed to access this task")
	}
	if len(s.Fields) != 1 || s.Fields[0] != "status" {
		return deny("member_field_update", "members can only update the status of their tasks")
	}
	return allow()
}

func commentDelete(actor domain.Actor, s Subject) Decision {
	if s.Task == nil || s.Comment == nil {
		return deny("forbidden", "comment required")
	}
	if s.Comment.UserID == actor.ID && s.Task.AssignedTo == actor.ID {
		return allow()
	}
	if d := projectPM(actor, s); !d.Allowed {
		return deny(d.Code, "not allowed to delete this comment")
	}
	return allow()
}

func hasField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}
