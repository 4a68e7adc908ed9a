package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"taskflow/internal/db"
	"taskflow/internal/domain"
)

const taskColumns = `id,project_id,title,description,assigned_to,created_by,priority,status,due_date,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var priority, status, due, created, updated string
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.AssignedTo, &t.CreatedBy,
		&priority, &status, &due, &created, &updated); err != nil {
		return t, notFound(err)
	}
	t.Priority = domain.Priority(priority)
	t.Status = domain.TaskStatus(status)
	t.DueDate = parseTime(due)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.AssignedTo, t.CreatedBy,
		string(t.Priority), string(t.Status), formatTime(t.DueDate), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTask loads a task with its status history and attachments.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q db.DBTX, id string) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	if t.StatusHistory, err = taskStatusHistory(ctx, q, t.ID); err != nil {
		return t, err
	}
	if t.Attachments, err = listAttachments(ctx, q, t.ID); err != nil {
		return t, err
	}
	return t, nil
}

// TaskFilters narrows ListTasks. Empty fields match everything.
type TaskFilters struct {
	ProjectID  string
	ProjectIDs []string
	Status     string
	Priority   string
	AssignedTo string
	TaskID     string
}

func (f TaskFilters) where() (string, []any) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.ProjectIDs != nil {
		if len(f.ProjectIDs) == 0 {
			clauses = append(clauses, "0")
		} else {
			clauses = append(clauses, "project_id IN ("+placeholders(len(f.ProjectIDs))+")")
			for _, id := range f.ProjectIDs {
				args = append(args, id)
			}
		}
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "id=?")
		args = append(args, f.TaskID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListTasks returns matching tasks ordered by due date. History and
// attachments are not loaded.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	where, args := f.where()
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY due_date, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTasksByPriority groups matching tasks by priority.
func (r Repo) CountTasksByPriority(ctx context.Context, f TaskFilters) (map[domain.Priority]int, error) {
	where, args := f.where()
	rows, err := r.DB.QueryContext(ctx, `SELECT priority, COUNT(*) FROM tasks`+where+` GROUP BY priority`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.Priority]int{}
	for _, p := range domain.Priorities {
		out[p] = 0
	}
	for rows.Next() {
		var p string
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			return nil, err
		}
		out[domain.Priority(p)] = n
	}
	return out, rows.Err()
}

// UpdateTaskFieldsTx writes every mutable field except status, which only
// moves through CompareAndSwapStatusTx.
func (r Repo) UpdateTaskFieldsTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?,description=?,assigned_to=?,priority=?,due_date=?,updated_at=? WHERE id=?`,
		t.Title, t.Description, t.AssignedTo, string(t.Priority), formatTime(t.DueDate), formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSwapStatusTx moves a task from one status to another and appends
// the history entry. ErrStatusChanged means another writer moved it first.
func (r Repo) CompareAndSwapStatusTx(ctx context.Context, tx *sql.Tx, taskID string, c domain.TaskStatusChange) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?,updated_at=? WHERE id=? AND status=?`,
		string(c.NewStatus), formatTime(c.ChangedAt), taskID, string(c.OldStatus))
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusChanged
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO task_status_history(task_id,old_status,new_status,changed_by,changed_at) VALUES (?,?,?,?,?)`,
		taskID, string(c.OldStatus), string(c.NewStatus), c.ChangedBy, formatTime(c.ChangedAt)); err != nil {
		return fmt.Errorf("appending task status: %w", err)
	}
	return nil
}

func taskStatusHistory(ctx context.Context, q db.DBTX, taskID string) ([]domain.TaskStatusChange, error) {
	rows, err := q.QueryContext(ctx, `SELECT old_status,new_status,changed_by,changed_at FROM task_status_history WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TaskStatusChange
	for rows.Next() {
		var c domain.TaskStatusChange
		var oldS, newS, at string
		if err := rows.Scan(&oldS, &newS, &c.ChangedBy, &at); err != nil {
			return nil, err
		}
		c.OldStatus, c.NewStatus, c.ChangedAt = domain.TaskStatus(oldS), domain.TaskStatus(newS), parseTime(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r Repo) DeleteTaskTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchTaskTx bumps updated_at, used when a child row changes.
func (r Repo) TouchTaskTx(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET updated_at=? WHERE id=?`, formatTime(at), id)
	return err
}
