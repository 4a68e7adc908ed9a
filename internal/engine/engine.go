package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskflow/internal/blob"
	"taskflow/internal/config"
	"taskflow/internal/engine/auth"
	"taskflow/internal/errs"
	"taskflow/internal/events"
	"taskflow/internal/logutils"
	"taskflow/internal/repo"
)

// Engine runs every operation: load fresh state, authorize, apply the
// status flow where relevant, persist and record activity in one transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Blobs  blob.Store
	Tokens auth.Tokens
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, blobs blob.Store) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Blobs:  blobs,
		Tokens: auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration),
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) maxAttachments() int {
	if e.Config != nil && e.Config.Uploads.MaxPerTask > 0 {
		return e.Config.Uploads.MaxPerTask
	}
	return config.DefaultMaxAttachment
}

// withTx runs fn in a write transaction. fn's error is returned as-is;
// begin/commit failures are internal.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return errs.Internal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return tagged(err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Internal(err)
	}
	return nil
}

func (e Engine) record(ctx context.Context, tx *sql.Tx, entry events.Entry) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, entry)
}

// removeBlobs deletes stored files after the rows referencing them are gone.
// Failures only leave orphans behind, so they are logged.
func (e Engine) removeBlobs(ctx context.Context, refs []string) {
	if e.Blobs == nil {
		return
	}
	for _, ref := range refs {
		if err := e.Blobs.Delete(ctx, ref); err != nil {
			logutils.Log.WithFields(logutils.Fields{"ref": ref, "error": err}).Warn("blob cleanup failed")
		}
	}
}

// tagged passes tagged errors through and hides everything else as internal.
func tagged(err error) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return e
	}
	return errs.Internal(err)
}

func missing(err error, entity string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return errs.NotFound(entity+"_not_found", entity+" not found")
	}
	return tagged(err)
}
