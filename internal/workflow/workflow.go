// Package workflow enforces the task status flow.
package workflow

import (
	"fmt"
	"time"

	"taskflow/internal/domain"
	"taskflow/internal/errs"
)

// Result is the outcome of an accepted transition. Change is nil when the
// requested status equals the current one.
type Result struct {
	Task   domain.Task
	Change *domain.TaskStatusChange
}

// Changed reports whether the status value moved.
func (r Result) Changed() bool { return r.Change != nil }

// Transition applies requested to task on behalf of actor. The actor must
// already be authorized for the task. Project managers may set any status;
// the assignee may only move one step forward.
func Transition(task domain.Task, actor domain.Actor, requested domain.TaskStatus, now time.Time) (Result, error) {
	if !requested.Valid() {
		return Result{}, errs.Invalid("invalid_status", fmt.Sprintf("unknown status %q", requested))
	}
	if !actor.IsPM() {
		if task.AssignedTo != actor.ID {
			return Result{}, errs.Forbidden("not_assignee", "only the assignee can move this task")
		}
		next, ok := task.Status.Next()
		if !ok || next != requested {
			return Result{}, errs.Invalid("invalid_status_flow",
				fmt.Sprintf("invalid status flow: %s -> %s", task.Status, requested))
		}
	}
	if requested == task.Status {
		return Result{Task: task}, nil
	}
	change := domain.TaskStatusChange{
		OldStatus: task.Status,
		NewStatus: requested,
		ChangedBy: actor.ID,
		ChangedAt: now.UTC(),
	}
	task.Status = requested
	task.UpdatedAt = change.ChangedAt
	task.StatusHistory = append(append([]domain.TaskStatusChange(nil), task.StatusHistory...), change)
	return Result{Task: task, Change: &change}, nil
}
