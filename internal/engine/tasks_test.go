package engine_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/errs"
	"taskflow/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

// Alpha project with PM U1 and members U2, U3; the task belongs to U2.
func alphaScenario(t *testing.T) (*testutil.Env, domain.User, domain.User, domain.User, domain.Task) {
	t.Helper()
	env := testutil.NewEnv(t)
	u1 := env.NewPM(t, "U1")
	u2 := env.NewUser(t, "U2")
	u3 := env.NewUser(t, "U3")
	p := env.NewProject(t, u1, "Alpha", u2, u3)
	task := env.NewTask(t, u1, p, u2, "T", testutil.WithPriority(domain.PriorityHigh))
	return env, u1, u2, u3, task
}

func TestCreateTaskRules(t *testing.T) {
	env := testutil.NewEnv(t)
	eng := env.Engine
	pm := env.NewPM(t, "Pat")
	outsiderPM := env.NewPM(t, "Olga")
	m := env.NewUser(t, "Mia")
	stranger := env.NewUser(t, "Sam")
	p := env.NewProject(t, pm, "Alpha", m)

	task := env.NewTask(t, pm, p, m, "Build")
	assert.Equal(t, domain.TaskTodo, task.Status)
	assert.Equal(t, domain.PriorityMedium, task.Priority)

	in := engine.CreateTaskInput{Title: "X", AssignedTo: stranger.ID, DueDate: env.Now().Add(time.Hour)}
	_, err := eng.CreateTask(env.Ctx, pm.Actor(), p.ID, in)
	requireKind(t, err, errs.KindInvalidInput, "assignee_not_member")

	in.AssignedTo = m.ID
	_, err = eng.CreateTask(env.Ctx, m.Actor(), p.ID, in)
	requireKind(t, err, errs.KindForbidden, "pm_required")
	_, err = eng.CreateTask(env.Ctx, outsiderPM.Actor(), p.ID, in)
	requireKind(t, err, errs.KindForbidden, "not_project_member")

	in.DueDate = env.Now().Add(-time.Minute)
	_, err = eng.CreateTask(env.Ctx, pm.Actor(), p.ID, in)
	requireKind(t, err, errs.KindInvalidInput, "invalid_due_date")

	in.DueDate = env.Now().Add(time.Hour)
	in.Priority = "urgent"
	_, err = eng.CreateTask(env.Ctx, pm.Actor(), p.ID, in)
	requireKind(t, err, errs.KindInvalidInput, "invalid_priority")

	_, err = eng.CreateTask(env.Ctx, pm.Actor(), "missing", engine.CreateTaskInput{Title: "X", AssignedTo: m.ID, DueDate: env.Now().Add(time.Hour)})
	requireKind(t, err, errs.KindNotFound, "project_not_found")
}

func TestMemberStatusFlow(t *testing.T) {
	env, u1, u2, u3, task := alphaScenario(t)
	eng := env.Engine

	_, err := eng.UpdateTaskStatus(env.Ctx, u3.Actor(), task.ID, domain.TaskInProgress)
	requireKind(t, err, errs.KindForbidden, "")

	_, err = eng.UpdateTaskStatus(env.Ctx, u2.Actor(), task.ID, domain.TaskInReview)
	requireKind(t, err, errs.KindInvalidInput, "invalid_status_flow")

	got, err := eng.UpdateTaskStatus(env.Ctx, u2.Actor(), task.ID, domain.TaskInProgress)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, got.Status)
	require.Len(t, got.StatusHistory, 1)
	assert.Equal(t, u2.ID, got.StatusHistory[0].ChangedBy)

	_, err = eng.UpdateTaskStatus(env.Ctx, u2.Actor(), task.ID, domain.TaskTodo)
	requireKind(t, err, errs.KindInvalidInput, "invalid_status_flow")

	got, err = eng.UpdateTaskStatus(env.Ctx, u1.Actor(), task.ID, domain.TaskTodo)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskTodo, got.Status)
	require.Len(t, got.StatusHistory, 2)
	assert.Equal(t, domain.TaskInProgress, got.StatusHistory[1].OldStatus)
}

func TestSameStatusWritesNoHistory(t *testing.T) {
	env, u1, _, _, task := alphaScenario(t)

	got, err := env.Engine.UpdateTaskStatus(env.Ctx, u1.Actor(), task.ID, domain.TaskTodo)
	require.NoError(t, err)
	assert.Empty(t, got.StatusHistory)

	p, err := env.Engine.ListProjectActivity(env.Ctx, u1.Actor(), task.ProjectID, engine.ActivityQuery{Action: string(domain.ActionStatusChange)})
	require.NoError(t, err)
	assert.Empty(t, p)
}

func TestMemberUpdateLimitedToStatus(t *testing.T) {
	env, u1, u2, u3, task := alphaScenario(t)
	eng := env.Engine

	_, err := eng.UpdateTask(env.Ctx, u2.Actor(), task.ID, engine.UpdateTaskInput{Title: ptr("Renamed")})
	requireKind(t, err, errs.KindForbidden, "member_field_update")

	got, err := eng.UpdateTask(env.Ctx, u2.Actor(), task.ID, engine.UpdateTaskInput{Status: ptr(domain.TaskInProgress)})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, got.Status)

	got, err = eng.UpdateTask(env.Ctx, u1.Actor(), task.ID, engine.UpdateTaskInput{
		Title:      ptr("Renamed"),
		AssignedTo: ptr(u3.ID),
		Status:     ptr(domain.TaskDone),
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, u3.ID, got.AssignedTo)
	assert.Equal(t, domain.TaskDone, got.Status)
	assert.Len(t, got.StatusHistory, 2)

	_, err = eng.UpdateTask(env.Ctx, u1.Actor(), task.ID, engine.UpdateTaskInput{AssignedTo: ptr("ghost")})
	requireKind(t, err, errs.KindInvalidInput, "assignee_not_member")

	_, err = eng.UpdateTask(env.Ctx, u1.Actor(), task.ID, engine.UpdateTaskInput{
		Title:  ptr("Rolled back"),
		Status: ptr(domain.TaskStatus("blocked")),
	})
	requireKind(t, err, errs.KindInvalidInput, "invalid_status")
	again, err := eng.GetTask(env.Ctx, u1.Actor(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", again.Title)
}

func TestUpdateCountsEveryPayloadKey(t *testing.T) {
	env, u1, u2, _, task := alphaScenario(t)
	eng := env.Engine

	// title was sent as null: present but carrying no value.
	_, err := eng.UpdateTask(env.Ctx, u2.Actor(), task.ID, engine.UpdateTaskInput{
		Status: ptr(domain.TaskInProgress),
		Keys:   []string{"status", "title"},
	})
	requireKind(t, err, errs.KindForbidden, "member_field_update")
	got, err := eng.GetTask(env.Ctx, u2.Actor(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskTodo, got.Status)
	assert.Empty(t, got.StatusHistory)

	_, err = eng.UpdateTask(env.Ctx, u1.Actor(), task.ID, engine.UpdateTaskInput{
		Title: ptr("Renamed"),
		Keys:  []string{"foo", "title"},
	})
	requireKind(t, err, errs.KindInvalidInput, "unknown_field")

	assert.Equal(t, []string{"status", "title"}, engine.UpdateTaskInput{
		Status: ptr(domain.TaskDone),
		Keys:   []string{"status", "title"},
	}.Fields())
}

func TestConcurrentStatusMovesSerialize(t *testing.T) {
	env, _, u2, _, task := alphaScenario(t)

	const n = 6
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.Engine.UpdateTaskStatus(env.Ctx, u2.Actor(), task.ID, domain.TaskInProgress)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.Contains(t, []errs.Kind{errs.KindInvalidInput, errs.KindConflict}, errs.KindOf(err), "%v", err)
	}
	assert.Equal(t, 1, ok)

	got, err := env.Engine.GetTask(env.Ctx, u2.Actor(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, got.Status)
	assert.Len(t, got.StatusHistory, 1)
}

func TestListTasksScopesMembers(t *testing.T) {
	env, u1, u2, u3, _ := alphaScenario(t)
	eng := env.Engine
	p, err := eng.ListProjects(env.Ctx, u1.Actor())
	require.NoError(t, err)
	require.Len(t, p, 1)
	env.NewTask(t, u1, p[0], u3, "Other", testutil.WithPriority(domain.PriorityLow))

	all, err := eng.ListTasks(env.Ctx, u1.Actor(), p[0].ID, engine.ListTasksInput{})
	require.NoError(t, err)
	assert.Len(t, all.Tasks, 2)

	mine, err := eng.ListTasks(env.Ctx, u2.Actor(), p[0].ID, engine.ListTasksInput{AssignedTo: u3.ID})
	require.NoError(t, err)
	require.Len(t, mine.Tasks, 1)
	assert.Equal(t, u2.ID, mine.Tasks[0].AssignedTo)

	summary, err := eng.ListTasks(env.Ctx, u1.Actor(), p[0].ID, engine.ListTasksInput{Summary: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ByPriority[domain.PriorityHigh])
	assert.Equal(t, 1, summary.ByPriority[domain.PriorityLow])
	assert.Equal(t, 0, summary.ByPriority[domain.PriorityCritical])

	_, err = eng.ListTasks(env.Ctx, u1.Actor(), p[0].ID, engine.ListTasksInput{Status: "blocked"})
	requireKind(t, err, errs.KindInvalidInput, "invalid_status")
}

func TestCommentsPolicy(t *testing.T) {
	env, u1, u2, u3, task := alphaScenario(t)
	eng := env.Engine

	_, err := eng.AddComment(env.Ctx, u3.Actor(), task.ID, "hi")
	requireKind(t, err, errs.KindForbidden, "")
	_, err = eng.AddComment(env.Ctx, u2.Actor(), task.ID, "   ")
	requireKind(t, err, errs.KindInvalidInput, "invalid_content")

	first, err := eng.AddComment(env.Ctx, u2.Actor(), task.ID, "  started  ")
	require.NoError(t, err)
	assert.Equal(t, "started", first.Content)
	require.NotNil(t, first.Author)
	assert.Equal(t, "U2", first.Author.Name)

	env.Advance(time.Minute)
	second, err := eng.AddComment(env.Ctx, u1.Actor(), task.ID, "thanks")
	require.NoError(t, err)

	list, err := eng.ListComments(env.Ctx, u2.Actor(), task.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	err = eng.DeleteComment(env.Ctx, u2.Actor(), second.ID)
	requireKind(t, err, errs.KindForbidden, "")
	require.NoError(t, eng.DeleteComment(env.Ctx, u2.Actor(), first.ID))
	require.NoError(t, eng.DeleteComment(env.Ctx, u1.Actor(), second.ID))
	err = eng.DeleteComment(env.Ctx, u1.Actor(), second.ID)
	requireKind(t, err, errs.KindNotFound, "comment_not_found")
}

func TestDeleteTask(t *testing.T) {
	env, u1, u2, _, task := alphaScenario(t)

	err := env.Engine.DeleteTask(env.Ctx, u2.Actor(), task.ID)
	requireKind(t, err, errs.KindForbidden, "pm_required")
	require.NoError(t, env.Engine.DeleteTask(env.Ctx, u1.Actor(), task.ID))
	_, err = env.Engine.GetTask(env.Ctx, u1.Actor(), task.ID)
	requireKind(t, err, errs.KindNotFound, "task_not_found")
}
