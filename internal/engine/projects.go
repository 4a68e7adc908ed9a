package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskflow/internal/domain"
	"taskflow/internal/errs"
	"taskflow/internal/events"
	"taskflow/internal/policy"
	"taskflow/internal/repo"
)

type CreateProjectInput struct {
	Name        string
	Description string
	StartDate   time.Time
	EndDate     time.Time
	Members     []string
}

// ProjectDetail is a project with its members resolved to profiles.
type ProjectDetail struct {
	domain.Project
	MemberRefs []domain.UserRef `json:"member_refs"`
}

func validateProjectFields(name, description string, start, end time.Time) error {
	if err := lengthBetween("name", name, 3, maxNameLen); err != nil {
		return err
	}
	if err := lengthBetween("description", description, 0, maxDescriptionLen); err != nil {
		return err
	}
	if start.IsZero() || end.IsZero() {
		return errs.Invalid("invalid_dates", "start_date and end_date are required")
	}
	if !end.After(start) {
		return errs.Invalid("invalid_dates", "end_date must be after start_date")
	}
	return nil
}

func projectConflict(err error) error {
	if errors.Is(err, repo.ErrConflict) {
		return errs.Conflict("project_name_taken", "a project with this name already exists")
	}
	return err
}

func (e Engine) CreateProject(ctx context.Context, actor domain.Actor, in CreateProjectInput) (domain.Project, error) {
	if err := policy.Check(actor, policy.ResourceProject, policy.ActionCreate, policy.Subject{}); err != nil {
		return domain.Project{}, err
	}
	name := strings.TrimSpace(in.Name)
	if err := validateProjectFields(name, in.Description, in.StartDate, in.EndDate); err != nil {
		return domain.Project{}, err
	}
	now := e.now()
	p := domain.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: in.Description,
		CreatedBy:   actor.ID,
		Status:      domain.ProjectActive,
		StartDate:   in.StartDate.UTC(),
		EndDate:     in.EndDate.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
			return projectConflict(err)
		}
		for _, uid := range in.Members {
			if uid == "" || uid == actor.ID {
				continue
			}
			if _, err := e.Repo.GetUserTx(ctx, tx, uid); err != nil {
				return missing(err, "user")
			}
			if err := e.Repo.AddMemberTx(ctx, tx, p.ID, uid, now); err != nil && !errors.Is(err, repo.ErrConflict) {
				return err
			}
		}
		return e.record(ctx, tx, events.Entry{
			EntityType: domain.EntityProject,
			EntityID:   p.ID,
			ProjectID:  p.ID,
			Action:     domain.ActionCreate,
			New:        p.Name,
			ActorID:    actor.ID,
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, p.ID)
}

// ListProjects returns the projects the actor belongs to.
func (e Engine) ListProjects(ctx context.Context, actor domain.Actor) ([]domain.Project, error) {
	if actor.ID == "" {
		return nil, errs.Unauthenticated("unauthenticated", "authentication required")
	}
	projects, err := e.Repo.ListProjectsForUser(ctx, actor.ID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	return projects, nil
}

func (e Engine) GetProject(ctx context.Context, actor domain.Actor, id string) (ProjectDetail, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return ProjectDetail{}, missing(err, "project")
	}
	if err := policy.Check(actor, policy.ResourceProject, policy.ActionRead, policy.Subject{Project: &p}); err != nil {
		return ProjectDetail{}, err
	}
	refs, err := e.Repo.ProjectMemberRefs(ctx, p.ID)
	if err != nil {
		return ProjectDetail{}, errs.Internal(err)
	}
	return ProjectDetail{Project: p, MemberRefs: refs}, nil
}

// UpdateProjectInput holds the fields to change. Nil fields are left alone.
type UpdateProjectInput struct {
	Name        *string
	Description *string
	Status      *domain.ProjectStatus
	StartDate   *time.Time
	EndDate     *time.Time
}

func (in UpdateProjectInput) empty() bool {
	return in.Name == nil && in.Description == nil && in.Status == nil && in.StartDate == nil && in.EndDate == nil
}

func (e Engine) UpdateProject(ctx context.Context, actor domain.Actor, id string, in UpdateProjectInput) (domain.Project, error) {
	if in.empty() {
		return domain.Project{}, errs.Invalid("empty_update", "no fields to update")
	}
	if in.Status != nil && !in.Status.Valid() {
		return domain.Project{}, errs.Invalid("invalid_status", "status must be active, completed or archived")
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Repo.GetProjectTx(ctx, tx, id)
		if err != nil {
			return missing(err, "project")
		}
		if err := policy.Check(actor, policy.ResourceProject, policy.ActionUpdate, policy.Subject{Project: &p}); err != nil {
			return err
		}
		before := p
		if in.Name != nil {
			p.Name = strings.TrimSpace(*in.Name)
		}
		if in.Description != nil {
			p.Description = *in.Description
		}
		if in.StartDate != nil {
			p.StartDate = in.StartDate.UTC()
		}
		if in.EndDate != nil {
			p.EndDate = in.EndDate.UTC()
		}
		if err := validateProjectFields(p.Name, p.Description, p.StartDate, p.EndDate); err != nil {
			return err
		}
		now := e.now()
		statusChanged := in.Status != nil && *in.Status != p.Status
		if statusChanged {
			p.Status = *in.Status
		}
		p.UpdatedAt = now
		if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
			return projectConflict(err)
		}
		if statusChanged {
			change := domain.ProjectStatusChange{OldStatus: before.Status, NewStatus: p.Status, ChangedBy: actor.ID, ChangedAt: now}
			if err := e.Repo.AppendProjectStatusTx(ctx, tx, p.ID, change); err != nil {
				return err
			}
			if err := e.record(ctx, tx, events.Entry{
				EntityType: domain.EntityProject,
				EntityID:   p.ID,
				ProjectID:  p.ID,
				Action:     domain.ActionStatusChange,
				Old:        before.Status,
				New:        p.Status,
				ActorID:    actor.ID,
			}); err != nil {
				return err
			}
		}
		if fields := changedProjectFields(before, p); len(fields) > 0 {
			return e.record(ctx, tx, events.Entry{
				EntityType: domain.EntityProject,
				EntityID:   p.ID,
				ProjectID:  p.ID,
				Action:     domain.ActionUpdate,
				Old:        projectSnapshot(before, fields),
				New:        projectSnapshot(p, fields),
				ActorID:    actor.ID,
			})
		}
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, id)
}

func changedProjectFields(a, b domain.Project) []string {
	var out []string
	if a.Name != b.Name {
		out = append(out, "name")
	}
	if a.Description != b.Description {
		out = append(out, "description")
	}
	if !a.StartDate.Equal(b.StartDate) {
		out = append(out, "start_date")
	}
	if !a.EndDate.Equal(b.EndDate) {
		out = append(out, "end_date")
	}
	return out
}

func projectSnapshot(p domain.Project, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		switch f {
		case "name":
			out[f] = p.Name
		case "description":
			out[f] = p.Description
		case "start_date":
			out[f] = p.StartDate
		case "end_date":
			out[f] = p.EndDate
		}
	}
	return out
}

// DeleteProject removes an archived project without open tasks. The
// preconditions are read inside the deleting transaction.
func (e Engine) DeleteProject(ctx context.Context, actor domain.Actor, id string) error {
	var refs []string
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Repo.GetProjectTx(ctx, tx, id)
		if err != nil {
			return missing(err, "project")
		}
		open, err := e.Repo.CountOpenTasksTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := policy.Check(actor, policy.ResourceProject, policy.ActionDelete, policy.Subject{Project: &p, OpenTasks: open}); err != nil {
			return err
		}
		if refs, err = e.Repo.AttachmentRefsTx(ctx, tx, id, ""); err != nil {
			return err
		}
		if err := e.Repo.DeleteProjectTx(ctx, tx, id); err != nil {
			return missing(err, "project")
		}
		return e.record(ctx, tx, events.Entry{
			EntityType: domain.EntityProject,
			EntityID:   p.ID,
			Action:     domain.ActionDelete,
			Old:        p.Name,
			ActorID:    actor.ID,
		})
	})
	if err != nil {
		return err
	}
	e.removeBlobs(ctx, refs)
	return nil
}

func (e Engine) AddMember(ctx context.Context, actor domain.Actor, projectID, userID string) (ProjectDetail, error) {
	if strings.TrimSpace(userID) == "" {
		return ProjectDetail{}, errs.Invalid("invalid_user_id", "user_id is required")
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return missing(err, "project")
		}
		if err := policy.Check(actor, policy.ResourceProject, policy.ActionAddMember, policy.Subject{Project: &p}); err != nil {
			return err
		}
		if _, err := e.Repo.GetUserTx(ctx, tx, userID); err != nil {
			return missing(err, "user")
		}
		if err := e.Repo.AddMemberTx(ctx, tx, p.ID, userID, e.now()); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return errs.Conflict("already_member", "user is already a member of this project")
			}
			return err
		}
		return e.record(ctx, tx, events.Entry{
			EntityType: domain.EntityProject,
			EntityID:   p.ID,
			ProjectID:  p.ID,
			Action:     domain.ActionUpdate,
			New:        "member:" + userID,
			ActorID:    actor.ID,
		})
	})
	if err != nil {
		return ProjectDetail{}, err
	}
	return e.GetProject(ctx, actor, projectID)
}

// ActivityQuery pages through a project's activity log.
type ActivityQuery struct {
	EntityType string
	Action     string
	BeforeID   int64
	AfterID    int64
	Limit      int
}

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 500
)

func (e Engine) ListProjectActivity(ctx context.Context, actor domain.Actor, projectID string, q ActivityQuery) ([]domain.ActivityLog, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, missing(err, "project")
	}
	if err := policy.Check(actor, policy.ResourceProject, policy.ActionReadActivity, policy.Subject{Project: &p}); err != nil {
		return nil, err
	}
	if q.EntityType != "" && q.EntityType != string(domain.EntityProject) && q.EntityType != string(domain.EntityTask) {
		return nil, errs.Invalid("invalid_entity_type", "entity_type must be project or task")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	if limit > maxActivityLimit {
		limit = maxActivityLimit
	}
	logs, err := e.Repo.ListActivity(ctx, repo.ActivityFilters{
		ProjectID:  projectID,
		EntityType: q.EntityType,
		Action:     q.Action,
		BeforeID:   q.BeforeID,
		AfterID:    q.AfterID,
		Limit:      limit,
	})
	if err != nil {
		return nil, errs.Internal(err)
	}
	return logs, nil
}
