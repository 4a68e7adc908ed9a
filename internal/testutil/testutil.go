// Package testutil builds engines over throwaway SQLite databases and seeds
// them with users, projects and tasks.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"taskflow/internal/blob"
	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/engine/auth"
	"taskflow/internal/migrate"
)

// Password is the plain password of every seeded user.
const Password = "Passw0rd!"

// Epoch is the default frozen clock of test engines.
var Epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

var (
	hashOnce sync.Once
	hash     string
	seq      atomic.Int64
)

func passwordHash(t testing.TB) string {
	hashOnce.Do(func() {
		h, err := auth.HashPassword(Password)
		if err != nil {
			panic(err)
		}
		hash = h
	})
	return hash
}

// Env is an engine over a migrated temp database.
type Env struct {
	Engine engine.Engine
	DB     *sql.DB
	Config *config.Config
	Ctx    context.Context
	clock  atomic.Pointer[time.Time]
}

// NewDB opens and migrates a database under t.TempDir.
func NewDB(t testing.TB) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "taskflow.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return conn
}

// NewEnv builds an engine with a disk blob store and a clock frozen at Epoch.
func NewEnv(t testing.TB) *Env {
	t.Helper()
	conn := NewDB(t)
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Uploads.Dir = filepath.Join(t.TempDir(), "uploads")
	store, err := blob.NewDisk(cfg.Uploads.Dir, cfg.Uploads.MaxBytes, cfg.Uploads.AllowedTypes)
	require.NoError(t, err)
	env := &Env{DB: conn, Config: cfg, Ctx: context.Background()}
	env.SetNow(Epoch)
	env.Engine = engine.New(conn, cfg, store)
	env.Engine.Now = env.Now
	env.Engine.Tokens.Now = env.Now
	return env
}

func (e *Env) Now() time.Time { return *e.clock.Load() }

func (e *Env) SetNow(t time.Time) { e.clock.Store(&t) }

// Advance moves the clock forward by d.
func (e *Env) Advance(d time.Duration) { e.SetNow(e.Now().Add(d)) }

type userOptions struct {
	name  string
	email string
	role  domain.Role
}

type UserOption func(*userOptions)

func WithRole(r domain.Role) UserOption { return func(o *userOptions) { o.role = r } }

func WithEmail(email string) UserOption { return func(o *userOptions) { o.email = email } }

// NewUser inserts a user directly, skipping password hashing per call.
// The default role is member.
func (e *Env) NewUser(t testing.TB, name string, opts ...UserOption) domain.User {
	t.Helper()
	o := userOptions{name: name, role: domain.RoleMember}
	for _, opt := range opts {
		opt(&o)
	}
	if o.email == "" {
		o.email = fmt.Sprintf("user%d@example.com", seq.Add(1))
	}
	now := e.Now()
	u := domain.User{
		ID:           uuid.NewString(),
		Name:         o.name,
		Email:        o.email,
		PasswordHash: passwordHash(t),
		Role:         o.role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, e.Engine.Repo.InsertUser(e.Ctx, u))
	return u
}

// NewPM inserts a project manager.
func (e *Env) NewPM(t testing.TB, name string) domain.User {
	t.Helper()
	return e.NewUser(t, name, WithRole(domain.RolePM))
}

// NewProject creates a project owned by pm with the given extra members.
func (e *Env) NewProject(t testing.TB, pm domain.User, name string, members ...domain.User) domain.Project {
	t.Helper()
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	p, err := e.Engine.CreateProject(e.Ctx, pm.Actor(), engine.CreateProjectInput{
		Name:      name,
		StartDate: e.Now(),
		EndDate:   e.Now().Add(90 * 24 * time.Hour),
		Members:   ids,
	})
	require.NoError(t, err)
	return p
}

type taskOptions struct {
	priority domain.Priority
	due      time.Time
}

type TaskOption func(*taskOptions)

func WithPriority(p domain.Priority) TaskOption { return func(o *taskOptions) { o.priority = p } }

func WithDue(due time.Time) TaskOption { return func(o *taskOptions) { o.due = due } }

// NewTask creates a task in project assigned to assignee, due in a week by default.
func (e *Env) NewTask(t testing.TB, pm domain.User, project domain.Project, assignee domain.User, title string, opts ...TaskOption) domain.Task {
	t.Helper()
	o := taskOptions{due: e.Now().Add(7 * 24 * time.Hour)}
	for _, opt := range opts {
		opt(&o)
	}
	task, err := e.Engine.CreateTask(e.Ctx, pm.Actor(), project.ID, engine.CreateTaskInput{
		Title:      title,
		AssignedTo: assignee.ID,
		Priority:   o.priority,
		DueDate:    o.due,
	})
	require.NoError(t, err)
	return task
}
