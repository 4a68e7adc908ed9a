package repo

import (
	"context"
	"database/sql"
	"fmt"

	"taskflow/internal/db"
	"taskflow/internal/domain"
)

const projectColumns = `id,name,description,created_by,status,start_date,end_date,created_at,updated_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var status, start, end, created, updated string
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedBy, &status, &start, &end, &created, &updated); err != nil {
		return p, notFound(err)
	}
	p.Status = domain.ProjectStatus(status)
	p.StartDate = parseTime(start)
	p.EndDate = parseTime(end)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return p, nil
}

// InsertProjectTx stores a project and its creator's membership.
// A duplicate name yields ErrConflict.
func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Description, p.CreatedBy, string(p.Status),
		formatTime(p.StartDate), formatTime(p.EndDate), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("project name %q: %w", p.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting project: %w", err)
	}
	if err := r.AddMemberTx(ctx, tx, p.ID, p.CreatedBy, p.CreatedAt); err != nil {
		return fmt.Errorf("adding creator: %w", err)
	}
	return nil
}

// GetProject loads a project with its members and status history.
func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return getProject(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return getProject(ctx, tx, id)
}

func getProject(ctx context.Context, q db.DBTX, id string) (domain.Project, error) {
	p, err := scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
	if err != nil {
		return p, err
	}
	if p.Members, err = projectMembers(ctx, q, p.ID); err != nil {
		return p, err
	}
	if p.StatusHistory, err = projectStatusHistory(ctx, q, p.ID); err != nil {
		return p, err
	}
	return p, nil
}

// ListProjectsForUser returns every project userID belongs to, newest first.
func (r Repo) ListProjectsForUser(ctx context.Context, userID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT p.id,p.name,p.description,p.created_by,p.status,p.start_date,p.end_date,p.created_at,p.updated_at
FROM projects p
JOIN project_members pm ON pm.project_id=p.id
WHERE pm.user_id=?
ORDER BY p.created_at DESC, p.id`, userID)
	if err != nil {
		return nil, err
	}
	var out []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Members, err = projectMembers(ctx, r.DB, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListAllProjects is used by the operator CLI.
func (r Repo) ListAllProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProjectTx writes the mutable project fields. A duplicate name
// yields ErrConflict.
func (r Repo) UpdateProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET name=?,description=?,status=?,start_date=?,end_date=?,updated_at=? WHERE id=?`,
		p.Name, p.Description, string(p.Status), formatTime(p.StartDate), formatTime(p.EndDate), formatTime(p.UpdatedAt), p.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("project name %q: %w", p.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("updating project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AppendProjectStatusTx(ctx context.Context, tx *sql.Tx, projectID string, c domain.ProjectStatusChange) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_status_history(project_id,old_status,new_status,changed_by,changed_at) VALUES (?,?,?,?,?)`,
		projectID, string(c.OldStatus), string(c.NewStatus), c.ChangedBy, formatTime(c.ChangedAt))
	if err != nil {
		return fmt.Errorf("appending project status: %w", err)
	}
	return nil
}

func projectStatusHistory(ctx context.Context, q db.DBTX, projectID string) ([]domain.ProjectStatusChange, error) {
	rows, err := q.QueryContext(ctx, `SELECT old_status,new_status,changed_by,changed_at FROM project_status_history WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ProjectStatusChange
	for rows.Next() {
		var c domain.ProjectStatusChange
		var oldS, newS, at string
		if err := rows.Scan(&oldS, &newS, &c.ChangedBy, &at); err != nil {
			return nil, err
		}
		c.OldStatus, c.NewStatus, c.ChangedAt = domain.ProjectStatus(oldS), domain.ProjectStatus(newS), parseTime(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountOpenTasksTx counts tasks under projectID whose status is not done.
func (r Repo) CountOpenTasksTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE project_id=? AND status<>?`, projectID, string(domain.TaskDone)).Scan(&n)
	return n, err
}

// DeleteProjectTx removes the project. Tasks, comments, attachments and
// histories cascade.
func (r Repo) DeleteProjectTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
