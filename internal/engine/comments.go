package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"taskflow/internal/domain"
	"taskflow/internal/errs"
	"taskflow/internal/policy"
)

func (e Engine) AddComment(ctx context.Context, actor domain.Actor, taskID, content string) (domain.Comment, error) {
	content = strings.TrimSpace(content)
	if err := lengthBetween("content", content, 1, maxCommentLen); err != nil {
		return domain.Comment{}, err
	}
	c := domain.Comment{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		UserID:    actor.ID,
		Content:   content,
		CreatedAt: e.now(),
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		t, p, err := e.taskScopeTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := policy.Check(actor, policy.ResourceComment, policy.ActionCreate, policy.Subject{Project: &p, Task: &t}); err != nil {
			return err
		}
		return e.Repo.InsertCommentTx(ctx, tx, c)
	})
	if err != nil {
		return domain.Comment{}, err
	}
	if u, err := e.Repo.GetUser(ctx, actor.ID); err == nil {
		c.Author = &domain.UserRef{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
	}
	return c, nil
}

func (e Engine) ListComments(ctx context.Context, actor domain.Actor, taskID string) ([]domain.Comment, error) {
	t, p, err := e.taskScope(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := policy.Check(actor, policy.ResourceComment, policy.ActionRead, policy.Subject{Project: &p, Task: &t}); err != nil {
		return nil, err
	}
	comments, err := e.Repo.ListComments(ctx, taskID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if comments == nil {
		comments = []domain.Comment{}
	}
	return comments, nil
}

func (e Engine) DeleteComment(ctx context.Context, actor domain.Actor, commentID string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		c, err := e.Repo.GetCommentTx(ctx, tx, commentID)
		if err != nil {
			return missing(err, "comment")
		}
		t, p, err := e.taskScopeTx(ctx, tx, c.TaskID)
		if err != nil {
			return err
		}
		if err := policy.Check(actor, policy.ResourceComment, policy.ActionDelete, policy.Subject{Project: &p, Task: &t, Comment: &c}); err != nil {
			return err
		}
		return missing(e.Repo.DeleteCommentTx(ctx, tx, c.ID), "comment")
	})
}
