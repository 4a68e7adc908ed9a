package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"taskflow/internal/dashboard"
	"taskflow/internal/domain"
	"taskflow/internal/errs"
	"taskflow/internal/repo"
)

// Dashboard builds the actor's role-scoped view. Filters are checked
// against what the actor can see before any task is loaded into the view.
func (e Engine) Dashboard(ctx context.Context, actor domain.Actor, f dashboard.Filter) (dashboard.View, error) {
	if actor.ID == "" {
		return dashboard.View{}, errs.Unauthenticated("unauthenticated", "authentication required")
	}
	projects, err := e.Repo.ListProjectsForUser(ctx, actor.ID)
	if err != nil {
		return dashboard.View{}, errs.Internal(err)
	}
	scope := make([]string, 0, len(projects))
	for _, p := range projects {
		if f.ProjectID == "" || p.ID == f.ProjectID {
			scope = append(scope, p.ID)
		}
	}
	if f.ProjectID != "" && len(scope) == 0 {
		if _, err := e.Repo.GetProject(ctx, f.ProjectID); err != nil {
			return dashboard.View{}, missing(err, "project")
		}
		return dashboard.View{}, errs.Forbidden("not_project_member", "not a member of this project")
	}
	if f.MemberID != "" && !actor.IsPM() && f.MemberID != actor.ID {
		return dashboard.View{}, errs.Forbidden("pm_required", "only project managers can filter by member")
	}

	taskFilter := repo.TaskFilters{ProjectIDs: scope, TaskID: f.TaskID}
	if !actor.IsPM() {
		taskFilter.AssignedTo = actor.ID
	} else if f.MemberID != "" {
		taskFilter.AssignedTo = f.MemberID
	}

	var tasks []domain.Task
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tasks, err = e.Repo.ListTasks(gctx, taskFilter)
		return err
	})
	if f.MemberID != "" && actor.IsPM() {
		g.Go(func() error {
			ok, err := e.Repo.MemberOfAny(gctx, scope, f.MemberID)
			if err != nil {
				return err
			}
			if !ok {
				return errs.Invalid("member_not_in_project", "member does not belong to the selected projects")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return dashboard.View{}, errs.As(err)
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.AssignedTo)
	}
	users, err := e.Repo.UserRefs(ctx, ids)
	if err != nil {
		return dashboard.View{}, errs.Internal(err)
	}
	return dashboard.Build(dashboard.Input{
		Actor:    actor,
		Projects: projects,
		Tasks:    tasks,
		Users:    users,
		Filter:   f,
		Now:      e.now(),
	}), nil
}
