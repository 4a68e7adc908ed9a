package repo

import (
	"context"
	"fmt"
	"strings"

	"taskflow/internal/db"
	"taskflow/internal/domain"
)

const userColumns = `id,name,email,password_hash,role,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var role, created, updated string
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &role, &created, &updated); err != nil {
		return u, notFound(err)
	}
	u.Role = domain.Role(role)
	u.CreatedAt = parseTime(created)
	u.UpdatedAt = parseTime(updated)
	return u, nil
}

// InsertUser stores a new user. A duplicate email yields ErrConflict.
func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.Name, strings.ToLower(u.Email), u.PasswordHash, string(u.Role), formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("email %s: %w", u.Email, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return getUser(ctx, r.DB, id)
}

func (r Repo) GetUserTx(ctx context.Context, q db.DBTX, id string) (domain.User, error) {
	return getUser(ctx, q, id)
}

func getUser(ctx context.Context, q db.DBTX, id string) (domain.User, error) {
	return scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`,
		strings.ToLower(strings.TrimSpace(email))))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UserRefs returns the denormalized view of the given users keyed by id.
// Unknown ids are skipped.
func (r Repo) UserRefs(ctx context.Context, ids []string) (map[string]domain.UserRef, error) {
	out := make(map[string]domain.UserRef, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		args = append(args, id)
	}
	if len(args) == 0 {
		return out, nil
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,email,role FROM users WHERE id IN (`+placeholders(len(args))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ref domain.UserRef
		var role string
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.Email, &role); err != nil {
			return nil, err
		}
		ref.Role = domain.Role(role)
		out[ref.ID] = ref
	}
	return out, rows.Err()
}
