package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskflow/internal/db"
	"taskflow/internal/domain"
)

// AddMemberTx inserts a membership row. An existing membership yields
// ErrConflict; the check and insert are one statement so concurrent adds of
// the same user cannot both succeed.
func (r Repo) AddMemberTx(ctx context.Context, tx *sql.Tx, projectID, userID string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
INSERT INTO project_members(project_id,user_id,added_at) VALUES (?,?,?)
ON CONFLICT(project_id,user_id) DO NOTHING`, projectID, userID, formatTime(at))
	if err != nil {
		return fmt.Errorf("adding member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %s already in project: %w", userID, ErrConflict)
	}
	return nil
}

// MemberOfAny reports whether userID belongs to any of projectIDs.
func (r Repo) MemberOfAny(ctx context.Context, projectIDs []string, userID string) (bool, error) {
	if len(projectIDs) == 0 {
		return false, nil
	}
	args := make([]any, 0, len(projectIDs)+1)
	args = append(args, userID)
	for _, id := range projectIDs {
		args = append(args, id)
	}
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM project_members WHERE user_id=? AND project_id IN (`+placeholders(len(projectIDs))+`) LIMIT 1`, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func projectMembers(ctx context.Context, q db.DBTX, projectID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT user_id FROM project_members WHERE project_id=? ORDER BY added_at, user_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ProjectMemberRefs returns the members of a project with their profile.
func (r Repo) ProjectMemberRefs(ctx context.Context, projectID string) ([]domain.UserRef, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT u.id,u.name,u.email,u.role
FROM project_members pm
JOIN users u ON u.id=pm.user_id
WHERE pm.project_id=?
ORDER BY pm.added_at, u.id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.UserRef
	for rows.Next() {
		var ref domain.UserRef
		var role string
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.Email, &role); err != nil {
			return nil, err
		}
		ref.Role = domain.Role(role)
		out = append(out, ref)
	}
	return out, rows.Err()
}
