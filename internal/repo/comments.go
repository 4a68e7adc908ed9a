package repo

import (
	"context"
	"database/sql"
	"fmt"

	"taskflow/internal/domain"
)

func (r Repo) InsertCommentTx(ctx context.Context, tx *sql.Tx, c domain.Comment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO comments(id,task_id,user_id,content,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.TaskID, c.UserID, c.Content, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting comment: %w", err)
	}
	return nil
}

func (r Repo) GetCommentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Comment, error) {
	var c domain.Comment
	var at string
	err := tx.QueryRowContext(ctx, `SELECT id,task_id,user_id,content,created_at FROM comments WHERE id=?`, id).
		Scan(&c.ID, &c.TaskID, &c.UserID, &c.Content, &at)
	if err != nil {
		return c, notFound(err)
	}
	c.CreatedAt = parseTime(at)
	return c, nil
}

// ListComments returns a task's comments newest first with authors attached.
func (r Repo) ListComments(ctx context.Context, taskID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT c.id,c.task_id,c.user_id,c.content,c.created_at,u.name,u.email,u.role
FROM comments c
LEFT JOIN users u ON u.id=c.user_id
WHERE c.task_id=?
ORDER BY c.created_at DESC, c.rowid DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Comment
	for rows.Next() {
		var c domain.Comment
		var at string
		var name, email, role sql.NullString
		if err := rows.Scan(&c.ID, &c.TaskID, &c.UserID, &c.Content, &at, &name, &email, &role); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(at)
		if name.Valid {
			c.Author = &domain.UserRef{ID: c.UserID, Name: name.String, Email: email.String, Role: domain.Role(role.String)}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r Repo) DeleteCommentTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting comment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
