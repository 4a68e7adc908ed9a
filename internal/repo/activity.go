package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskflow/internal/domain"
)

// ActivityFilters narrows ListActivity. AfterID pages forward (oldest
// first), BeforeID pages backward (newest first).
type ActivityFilters struct {
	ProjectID  string
	EntityType string
	EntityID   string
	Action     string
	AfterID    int64
	BeforeID   int64
	Limit      int
	// Ascending lists oldest first even without AfterID.
	Ascending bool
}

func scanActivity(row rowScanner) (domain.ActivityLog, error) {
	var a domain.ActivityLog
	var entityType, action, at string
	var projectID, oldV, newV sql.NullString
	if err := row.Scan(&a.ID, &entityType, &a.EntityID, &projectID, &action, &oldV, &newV, &a.PerformedBy, &at); err != nil {
		return a, notFound(err)
	}
	a.EntityType = domain.EntityType(entityType)
	a.Action = domain.ActivityAction(action)
	a.ProjectID = projectID.String
	a.OldValue = oldV.String
	a.NewValue = newV.String
	a.PerformedAt = parseTime(at)
	return a, nil
}

func (r Repo) ListActivity(ctx context.Context, f ActivityFilters) ([]domain.ActivityLog, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	order := "DESC"
	if f.Ascending {
		order = "ASC"
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
		order = "ASC"
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.BeforeID)
	}
	query := `SELECT id,entity_type,entity_id,project_id,action,old_value,new_value,performed_by,performed_at FROM activity_logs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id " + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ActivityLog
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LatestActivityID returns the newest activity id, 0 when the log is empty.
func (r Repo) LatestActivityID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM activity_logs`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
