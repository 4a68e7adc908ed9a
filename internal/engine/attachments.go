package engine

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"taskflow/internal/blob"
	"taskflow/internal/domain"
	"taskflow/internal/errs"
	"taskflow/internal/events"
	"taskflow/internal/policy"
	"taskflow/internal/repo"
)

type UploadInput struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

func attachmentLimit() error {
	return errs.Conflict("attachment_limit", "task already has the maximum number of attachments")
}

// UploadAttachment stores the file and appends it to the task. The count
// ceiling is enforced by the insert itself; a losing upload has its stored
// bytes removed.
func (e Engine) UploadAttachment(ctx context.Context, actor domain.Actor, taskID string, in UploadInput) (domain.Attachment, error) {
	if e.Blobs == nil {
		return domain.Attachment{}, errs.Internal(errors.New("no blob store configured"))
	}
	t, p, err := e.taskScope(ctx, taskID)
	if err != nil {
		return domain.Attachment{}, err
	}
	if err := policy.Check(actor, policy.ResourceTask, policy.ActionUpload, policy.Subject{Project: &p, Task: &t}); err != nil {
		return domain.Attachment{}, err
	}
	max := e.maxAttachments()
	if len(t.Attachments) >= max {
		return domain.Attachment{}, attachmentLimit()
	}
	name := filepath.Base(strings.TrimSpace(in.Filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return domain.Attachment{}, errs.Invalid("invalid_file", "filename is required")
	}
	obj, err := e.Blobs.Put(ctx, in.Body, blob.Meta{Filename: name, ContentType: in.ContentType})
	if err != nil {
		if errors.Is(err, blob.ErrInvalidFile) {
			return domain.Attachment{}, errs.Invalid("invalid_file", err.Error())
		}
		return domain.Attachment{}, errs.Internal(err)
	}
	a := domain.Attachment{
		ID:          uuid.NewString(),
		TaskID:      t.ID,
		Filename:    name,
		StorageRef:  obj.Ref,
		ContentType: obj.ContentType,
		Size:        obj.Size,
		UploadedBy:  actor.ID,
		UploadedAt:  e.now(),
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		t, p, err := e.taskScopeTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := policy.Check(actor, policy.ResourceTask, policy.ActionUpload, policy.Subject{Project: &p, Task: &t}); err != nil {
			return err
		}
		if err := e.Repo.AppendAttachmentTx(ctx, tx, a, max); err != nil {
			if errors.Is(err, repo.ErrAttachmentLimit) {
				return attachmentLimit()
			}
			return err
		}
		if err := e.Repo.TouchTaskTx(ctx, tx, t.ID, a.UploadedAt); err != nil {
			return err
		}
		return e.record(ctx, tx, events.Entry{
			EntityType: domain.EntityTask,
			EntityID:   t.ID,
			ProjectID:  t.ProjectID,
			Action:     domain.ActionUpdate,
			New:        "attachment:" + a.Filename,
			ActorID:    actor.ID,
		})
	})
	if err != nil {
		e.removeBlobs(ctx, []string{obj.Ref})
		return domain.Attachment{}, err
	}
	return a, nil
}

// OpenAttachment returns the attachment metadata and a reader over its bytes.
// The caller closes the reader.
func (e Engine) OpenAttachment(ctx context.Context, actor domain.Actor, taskID, attachmentID string) (domain.Attachment, io.ReadCloser, error) {
	t, p, err := e.taskScope(ctx, taskID)
	if err != nil {
		return domain.Attachment{}, nil, err
	}
	if err := policy.Check(actor, policy.ResourceTask, policy.ActionRead, policy.Subject{Project: &p, Task: &t}); err != nil {
		return domain.Attachment{}, nil, err
	}
	a, err := e.Repo.GetAttachment(ctx, taskID, attachmentID)
	if err != nil {
		return domain.Attachment{}, nil, missing(err, "attachment")
	}
	if e.Blobs == nil {
		return domain.Attachment{}, nil, errs.Internal(errors.New("no blob store configured"))
	}
	rc, err := e.Blobs.Open(ctx, a.StorageRef)
	if errors.Is(err, blob.ErrNotFound) {
		return domain.Attachment{}, nil, errs.NotFound("attachment_not_found", "attachment content is missing")
	}
	if err != nil {
		return domain.Attachment{}, nil, errs.Internal(err)
	}
	return a, rc, nil
}
