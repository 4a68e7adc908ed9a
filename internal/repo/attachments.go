package repo

import (
	"context"
	"database/sql"
	"fmt"

	"taskflow/internal/db"
	"taskflow/internal/domain"
)

const attachmentColumns = `id,task_id,filename,storage_ref,content_type,size,uploaded_by,uploaded_at`

func scanAttachment(row rowScanner) (domain.Attachment, error) {
	var a domain.Attachment
	var at string
	if err := row.Scan(&a.ID, &a.TaskID, &a.Filename, &a.StorageRef, &a.ContentType, &a.Size, &a.UploadedBy, &at); err != nil {
		return a, notFound(err)
	}
	a.UploadedAt = parseTime(at)
	return a, nil
}

// AppendAttachmentTx adds a to its task unless the task already holds max
// attachments. Count check and insert are a single statement, so concurrent
// uploads cannot push the list past max. ErrAttachmentLimit reports a full task.
func (r Repo) AppendAttachmentTx(ctx context.Context, tx *sql.Tx, a domain.Attachment, max int) error {
	res, err := tx.ExecContext(ctx, `
INSERT INTO task_attachments(id,task_id,position,filename,storage_ref,content_type,size,uploaded_by,uploaded_at)
SELECT ?,?,(SELECT COALESCE(MAX(position),-1)+1 FROM task_attachments WHERE task_id=?),?,?,?,?,?,?
WHERE (SELECT COUNT(*) FROM task_attachments WHERE task_id=?) < ?`,
		a.ID, a.TaskID, a.TaskID, a.Filename, a.StorageRef, a.ContentType, a.Size, a.UploadedBy, formatTime(a.UploadedAt),
		a.TaskID, max)
	if err != nil {
		return fmt.Errorf("inserting attachment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAttachmentLimit
	}
	return nil
}

func listAttachments(ctx context.Context, q db.DBTX, taskID string) ([]domain.Attachment, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+attachmentColumns+` FROM task_attachments WHERE task_id=? ORDER BY position`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r Repo) GetAttachment(ctx context.Context, taskID, id string) (domain.Attachment, error) {
	return scanAttachment(r.DB.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM task_attachments WHERE task_id=? AND id=?`, taskID, id))
}

// AttachmentRefsTx lists storage refs under a task or, when taskID is empty,
// under every task of projectID. Used to clean blobs after deletes.
func (r Repo) AttachmentRefsTx(ctx context.Context, tx *sql.Tx, projectID, taskID string) ([]string, error) {
	query := `SELECT a.storage_ref FROM task_attachments a JOIN tasks t ON t.id=a.task_id WHERE t.project_id=?`
	arg := projectID
	if taskID != "" {
		query = `SELECT storage_ref FROM task_attachments WHERE task_id=?`
		arg = taskID
	}
	rows, err := tx.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
