package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskflow/internal/domain"
	"taskflow/internal/engine/auth"
	"taskflow/internal/errs"
	"taskflow/internal/policy"
	"taskflow/internal/repo"
)

type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Role     domain.Role
}

func (e Engine) Register(ctx context.Context, in RegisterInput) (domain.User, error) {
	name := strings.TrimSpace(in.Name)
	if err := lengthBetween("name", name, 2, maxNameLen); err != nil {
		return domain.User{}, err
	}
	email, err := validateEmail(in.Email)
	if err != nil {
		return domain.User{}, err
	}
	if err := validatePassword(in.Password); err != nil {
		return domain.User{}, err
	}
	if !in.Role.Valid() {
		return domain.User{}, errs.Invalid("invalid_role", "role must be pm or member")
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, errs.Internal(err)
	}
	now := e.now()
	u := domain.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         in.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.User{}, errs.Conflict("email_taken", "a user with this email already exists")
		}
		return domain.User{}, errs.Internal(err)
	}
	return u, nil
}

// Session is the result of a successful login.
type Session struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      domain.User `json:"user"`
}

// Login verifies credentials and issues a token. Unknown email and wrong
// password are indistinguishable to the caller.
func (e Engine) Login(ctx context.Context, email, password string) (Session, error) {
	bad := errs.Unauthenticated("invalid_credentials", "invalid email or password")
	u, err := e.Repo.GetUserByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return Session{}, bad
	}
	if err != nil {
		return Session{}, errs.Internal(err)
	}
	if !auth.VerifyPassword(u.PasswordHash, password) {
		return Session{}, bad
	}
	token, exp, err := e.Tokens.Issue(u.Actor())
	if err != nil {
		return Session{}, errs.Internal(err)
	}
	return Session{Token: token, ExpiresAt: exp, User: u}, nil
}

// Authenticate resolves a bearer token to an actor.
func (e Engine) Authenticate(token string) (domain.Actor, error) {
	actor, err := e.Tokens.Verify(token)
	if err != nil {
		return domain.Actor{}, errs.Unauthenticated("invalid_token", "invalid or expired token")
	}
	return actor, nil
}

func (e Engine) Me(ctx context.Context, actor domain.Actor) (domain.User, error) {
	if actor.ID == "" {
		return domain.User{}, errs.Unauthenticated("unauthenticated", "authentication required")
	}
	u, err := e.Repo.GetUser(ctx, actor.ID)
	if err != nil {
		return domain.User{}, missing(err, "user")
	}
	return u, nil
}

// ListUsers returns the user directory, used by managers to pick members.
func (e Engine) ListUsers(ctx context.Context, actor domain.Actor) ([]domain.User, error) {
	if err := policy.Check(actor, policy.ResourceUser, policy.ActionList, policy.Subject{}); err != nil {
		return nil, err
	}
	users, err := e.Repo.ListUsers(ctx)
	if err != nil {
		return nil, errs.Internal(err)
	}
	return users, nil
}
